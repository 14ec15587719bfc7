package whatsapp

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Button is an interactive reply button or list row.
type Button struct {
	ID    string
	Title string
}

// asMapSlice normalizes a decoded JSON array field into []map[string]interface{}:
// envelopes that crossed the queue substrate decode as []interface{}, but
// values built in-process (tests, the Conversation Engine) carry the
// concrete []map[string]interface{} the Go code literally constructed.
func asMapSlice(v interface{}) []map[string]interface{} {
	switch vv := v.(type) {
	case []map[string]interface{}:
		return vv
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(vv))
		for _, item := range vv {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}

// SendText sends a plain text message, optionally replying to an earlier
// message ID.
func (c *Client) SendText(ctx context.Context, phoneNumber, text string, replyToMsgID ...string) (string, error) {
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                phoneNumber,
		"type":              "text",
		"text": map[string]interface{}{
			"preview_url": false,
			"body":        text,
		},
	}
	if len(replyToMsgID) > 0 && replyToMsgID[0] != "" {
		payload["context"] = map[string]interface{}{"message_id": replyToMsgID[0]}
	}

	c.Log.Debug("whatsapp: sending text message", "phone", phoneNumber)
	id, err := c.send(ctx, payload)
	if err != nil {
		c.Log.Error("whatsapp: failed to send text message", "error", err, "phone", phoneNumber)
		return "", fmt.Errorf("send text message: %w", err)
	}
	return id, nil
}

// SendInteractiveButtons sends quick-reply buttons (<=3) or a list (4-10),
// matching the button/list split WhatsApp itself enforces.
func (c *Client) SendInteractiveButtons(ctx context.Context, phoneNumber, bodyText string, buttons []Button) (string, error) {
	if len(buttons) == 0 {
		return "", fmt.Errorf("whatsapp: at least one button is required")
	}
	if len(buttons) > 10 {
		return "", fmt.Errorf("whatsapp: maximum 10 buttons allowed")
	}

	var interactive map[string]interface{}
	if len(buttons) <= 3 {
		list := make([]map[string]interface{}, 0, len(buttons))
		for _, btn := range buttons {
			title := btn.Title
			if len(title) > 20 {
				title = title[:20]
			}
			list = append(list, map[string]interface{}{
				"type":  "reply",
				"reply": map[string]interface{}{"id": btn.ID, "title": title},
			})
		}
		interactive = map[string]interface{}{
			"type":   "button",
			"body":   map[string]interface{}{"text": bodyText},
			"action": map[string]interface{}{"buttons": list},
		}
	} else {
		rows := make([]map[string]interface{}, 0, len(buttons))
		for _, btn := range buttons {
			title := btn.Title
			if len(title) > 24 {
				title = title[:24]
			}
			rows = append(rows, map[string]interface{}{"id": btn.ID, "title": title})
		}
		interactive = map[string]interface{}{
			"type": "list",
			"body": map[string]interface{}{"text": bodyText},
			"action": map[string]interface{}{
				"button":   "Select an option",
				"sections": []map[string]interface{}{{"title": "Options", "rows": rows}},
			},
		}
	}

	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                phoneNumber,
		"type":              "interactive",
		"interactive":       interactive,
	}

	c.Log.Debug("whatsapp: sending interactive message", "phone", phoneNumber, "button_count", len(buttons))
	id, err := c.send(ctx, payload)
	if err != nil {
		c.Log.Error("whatsapp: failed to send interactive message", "error", err, "phone", phoneNumber)
		return "", fmt.Errorf("send interactive message: %w", err)
	}
	return id, nil
}

// BodyParamsToComponents converts a body-parameter map into WhatsApp
// template components, supporting both positional (numeric keys) and named
// parameters with deterministic key ordering.
func BodyParamsToComponents(bodyParams map[string]string) []map[string]interface{} {
	if len(bodyParams) == 0 {
		return nil
	}

	named := false
	for key := range bodyParams {
		if _, err := strconv.Atoi(key); err != nil {
			named = true
			break
		}
	}

	keys := make([]string, 0, len(bodyParams))
	for k := range bodyParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	params := make([]map[string]interface{}, 0, len(bodyParams))
	for _, key := range keys {
		param := map[string]interface{}{"type": "text", "text": bodyParams[key]}
		if named {
			param["parameter_name"] = key
		}
		params = append(params, param)
	}

	return []map[string]interface{}{{"type": "body", "parameters": params}}
}

// SendTemplateMessage sends a pre-approved template message with optional
// components (header, body parameters, buttons).
func (c *Client) SendTemplateMessage(ctx context.Context, phoneNumber, templateName, languageCode string, components []map[string]interface{}) (string, error) {
	template := map[string]interface{}{
		"name":     templateName,
		"language": map[string]interface{}{"code": languageCode},
	}
	if len(components) > 0 {
		template["components"] = components
	}

	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                phoneNumber,
		"type":              "template",
		"template":          template,
	}

	c.Log.Debug("whatsapp: sending template message", "phone", phoneNumber, "template", templateName)
	id, err := c.send(ctx, payload)
	if err != nil {
		c.Log.Error("whatsapp: failed to send template message", "error", err, "phone", phoneNumber, "template", templateName)
		return "", fmt.Errorf("send template message: %w", err)
	}
	return id, nil
}

// Send dispatches an outgoing envelope's message_data to the matching
// Send* call per its "type" field (§4.5 step 3), returning the WhatsApp
// message ID on success.
func (c *Client) Send(ctx context.Context, phoneNumber string, messageData map[string]interface{}) (string, error) {
	msgType, _ := messageData["type"].(string)

	switch msgType {
	case "text":
		text, _ := messageData["text"].(map[string]interface{})
		body, _ := text["body"].(string)
		return c.SendText(ctx, phoneNumber, body)

	case "template":
		tmpl, _ := messageData["template"].(map[string]interface{})
		name, _ := tmpl["name"].(string)
		lang := "en_US"
		if l, ok := tmpl["language"].(map[string]interface{}); ok {
			if code, ok := l["code"].(string); ok && code != "" {
				lang = code
			}
		}
		var components []map[string]interface{}
		if raw, ok := tmpl["components"].([]interface{}); ok {
			for _, c := range raw {
				if m, ok := c.(map[string]interface{}); ok {
					components = append(components, m)
				}
			}
		} else if raw, ok := tmpl["components"].([]map[string]interface{}); ok {
			components = raw
		}
		return c.SendTemplateMessage(ctx, phoneNumber, name, lang, components)

	case "interactive":
		interactive, _ := messageData["interactive"].(map[string]interface{})
		body, _ := interactive["body"].(map[string]interface{})
		bodyText, _ := body["text"].(string)
		action, _ := interactive["action"].(map[string]interface{})

		var buttons []Button
		for _, rb := range asMapSlice(action["buttons"]) {
			reply, _ := rb["reply"].(map[string]interface{})
			id, _ := reply["id"].(string)
			title, _ := reply["title"].(string)
			buttons = append(buttons, Button{ID: id, Title: title})
		}
		for _, section := range asMapSlice(action["sections"]) {
			for _, row := range asMapSlice(section["rows"]) {
				id, _ := row["id"].(string)
				title, _ := row["title"].(string)
				buttons = append(buttons, Button{ID: id, Title: title})
			}
		}
		return c.SendInteractiveButtons(ctx, phoneNumber, bodyText, buttons)

	default:
		return "", fmt.Errorf("whatsapp: unsupported outbound message type %q", msgType)
	}
}

// SummarizeOutbound renders a human-readable one-line summary of an
// outgoing message_data payload for storage and audit logging (§4.5):
// templates render as "Template: <name> (<lang>) | <component>: <values>",
// media as "[TYPE] <caption>", text as its body verbatim, interactive
// messages as their body text, and any other type as "[TYPE]".
func SummarizeOutbound(messageData map[string]interface{}) string {
	msgType, _ := messageData["type"].(string)

	switch msgType {
	case "text":
		if text, ok := messageData["text"].(map[string]interface{}); ok {
			if body, ok := text["body"].(string); ok {
				return body
			}
		}
		return ""

	case "template":
		tmpl, _ := messageData["template"].(map[string]interface{})
		name, _ := tmpl["name"].(string)
		lang := ""
		if l, ok := tmpl["language"].(map[string]interface{}); ok {
			lang, _ = l["code"].(string)
		}
		summary := fmt.Sprintf("Template: %s (%s)", name, lang)

		components, _ := tmpl["components"].([]interface{})
		for _, c := range components {
			comp, ok := c.(map[string]interface{})
			if !ok {
				continue
			}
			compType, _ := comp["type"].(string)
			params, _ := comp["parameters"].([]interface{})
			values := make([]string, 0, len(params))
			for _, p := range params {
				param, ok := p.(map[string]interface{})
				if !ok {
					continue
				}
				if text, ok := param["text"].(string); ok {
					values = append(values, text)
				}
			}
			if len(values) > 0 {
				summary += fmt.Sprintf(" | %s: %s", compType, strings.Join(values, ", "))
			}
		}
		return summary

	case "image", "video", "audio", "document", "sticker":
		caption := ""
		if media, ok := messageData[msgType].(map[string]interface{}); ok {
			caption, _ = media["caption"].(string)
		}
		return fmt.Sprintf("[%s] %s", strings.ToUpper(msgType), caption)

	case "interactive":
		if interactive, ok := messageData["interactive"].(map[string]interface{}); ok {
			if body, ok := interactive["body"].(map[string]interface{}); ok {
				if text, ok := body["text"].(string); ok {
					return text
				}
			}
		}
		return "[INTERACTIVE]"

	default:
		return fmt.Sprintf("[%s]", strings.ToUpper(msgType))
	}
}
