package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/zerodha/logf"

	"github.com/nyife/waengine/internal/models"
)

// ConsumerGroup is the single consumer group shared by all workers of a
// lane, matching the teacher's one-group-per-stream convention in
// internal/queue/redis.go, generalized to three lanes instead of one.
const ConsumerGroup = "waengine-workers"

func streamKey(lane models.QueueType) string {
	return "waengine:queue:" + string(lane)
}

func dlqKey(lane models.QueueType) string {
	return "waengine:queue:" + string(lane) + ":dlq"
}

// RedisSubstrate implements Substrate over Redis Streams consumer groups.
// Visibility timeout is emulated via XCLAIM idle time: a message becomes
// reclaimable once it has sat unacknowledged in the group's PEL for at
// least the visibility window: this is the Streams-idiomatic analogue of
// SQS's own visibility-timeout mechanics that the original Python service
// (original_source/.../sqs_service.py) gets for free from SQS.
type RedisSubstrate struct {
	client     *redis.Client
	log        logf.Logger
	consumerID string
}

// NewRedisSubstrate creates lane consumer groups (idempotently) and returns
// a ready-to-use Substrate.
func NewRedisSubstrate(ctx context.Context, client *redis.Client, log logf.Logger) (*RedisSubstrate, error) {
	hostname, _ := os.Hostname()
	consumerID := fmt.Sprintf("worker-%s-%d", hostname, os.Getpid())

	for _, lane := range []models.QueueType{models.QueueTypeIncoming, models.QueueTypeOutgoing, models.QueueTypeAnalytics} {
		err := client.XGroupCreateMkStream(ctx, streamKey(lane), ConsumerGroup, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("queue: create consumer group for %s: %w", lane, err)
		}
	}

	return &RedisSubstrate{client: client, log: log, consumerID: consumerID}, nil
}

// Send implements §4.2 send, wrapping payload in the envelope schema
// grounded on sqs_service.py's enhanced_body shape.
func (s *RedisSubstrate) Send(ctx context.Context, lane models.QueueType, payload map[string]interface{}, opts SendOpts) (string, error) {
	env := Envelope{
		Data: payload,
		Metadata: EnvelopeMetadata{
			SentAt:      time.Now().UTC(),
			QueueType:   lane,
			MessageUUID: uuid.NewString(),
			Version:     "1.0",
		},
	}
	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("queue: marshal envelope: %w", err)
	}

	values := map[string]interface{}{
		"body":         string(body),
		"MessageType":  attrString(opts.Attributes, "MessageType", "WhatsAppWebhook"),
		"QueueType":    string(lane),
		"ProcessingId": attrString(opts.Attributes, "ProcessingId", ""),
	}

	if opts.Delay > 0 {
		s.sendDelayed(lane, values, opts.Delay)
		return env.Metadata.MessageUUID, nil
	}

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{Stream: streamKey(lane), Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("queue: send to %s: %w", lane, err)
	}
	return id, nil
}

// sendDelayed emulates SQS's DelaySeconds: the stream entry itself carries
// no delayed-visibility concept, so the XAdd is deferred to a detached
// goroutine instead of blocking the caller for opts.Delay. The caller's own
// ctx is not reused here since it may already be cancelled by the time the
// delay elapses.
func (s *RedisSubstrate) sendDelayed(lane models.QueueType, values map[string]interface{}, delay time.Duration) {
	go func() {
		time.Sleep(delay)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.client.XAdd(ctx, &redis.XAddArgs{Stream: streamKey(lane), Values: values}).Err(); err != nil {
			s.log.Error("queue: delayed send failed", "lane", lane, "error", err)
		}
	}()
}

func attrString(attrs map[string]string, key, fallback string) string {
	if attrs == nil {
		return fallback
	}
	if v, ok := attrs[key]; ok {
		return v
	}
	return fallback
}

// Receive implements §4.2 receive: first reclaim messages that have been
// pending longer than visibilitySeconds (simulating expired visibility),
// moving any that already hit max_receive_count to the lane's DLQ instead
// of handing them back out; then long-poll for new messages up to max.
func (s *RedisSubstrate) Receive(ctx context.Context, lane models.QueueType, max int, waitSeconds, visibilitySeconds int) ([]Envelope, error) {
	if max > 10 {
		max = 10
	}

	reclaimed, err := s.reclaimStale(ctx, lane, time.Duration(visibilitySeconds)*time.Second, int64(max))
	if err != nil {
		s.log.Warn("queue: failed to reclaim stale messages", "lane", lane, "error", err)
	}
	if len(reclaimed) > 0 {
		return reclaimed, nil
	}

	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: s.consumerID,
		Streams:  []string{streamKey(lane), ">"},
		Count:    int64(max),
		Block:    time.Duration(waitSeconds) * time.Second,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: receive from %s: %w", lane, err)
	}

	var envelopes []Envelope
	for _, st := range streams {
		for _, msg := range st.Messages {
			env, ok := s.decode(ctx, lane, msg)
			if !ok {
				continue
			}
			env.ReceiveCount = 1
			envelopes = append(envelopes, env)
		}
	}
	return envelopes, nil
}

func (s *RedisSubstrate) reclaimStale(ctx context.Context, lane models.QueueType, minIdle time.Duration, count int64) ([]Envelope, error) {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: streamKey(lane),
		Group:  ConsumerGroup,
		Start:  "-",
		End:    "+",
		Count:  count,
		Idle:   minIdle,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("reclaim: list pending: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	var envelopes []Envelope
	for _, p := range pending {
		if int(p.RetryCount) >= DefaultMaxReceiveCount {
			if err := s.moveToDLQ(ctx, lane, p.ID); err != nil {
				s.log.Error("queue: failed to move message to DLQ", "lane", lane, "id", p.ID, "error", err)
			}
			continue
		}

		messages, err := s.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   streamKey(lane),
			Group:    ConsumerGroup,
			Consumer: s.consumerID,
			MinIdle:  minIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			s.log.Error("queue: failed to claim message", "lane", lane, "id", p.ID, "error", err)
			continue
		}
		for _, msg := range messages {
			env, ok := s.decode(ctx, lane, msg)
			if !ok {
				continue
			}
			env.ReceiveCount = int(p.RetryCount) + 1
			envelopes = append(envelopes, env)
		}
	}
	return envelopes, nil
}

func (s *RedisSubstrate) moveToDLQ(ctx context.Context, lane models.QueueType, id string) error {
	msgs, err := s.client.XRange(ctx, streamKey(lane), id, id).Result()
	if err != nil {
		return fmt.Errorf("read message to dlq: %w", err)
	}
	if len(msgs) > 0 {
		if _, err := s.client.XAdd(ctx, &redis.XAddArgs{Stream: dlqKey(lane), Values: msgs[0].Values}).Result(); err != nil {
			return fmt.Errorf("write to dlq: %w", err)
		}
	}
	pipe := s.client.Pipeline()
	pipe.XAck(ctx, streamKey(lane), ConsumerGroup, id)
	pipe.XDel(ctx, streamKey(lane), id)
	_, err = pipe.Exec(ctx)
	return err
}

// decode parses an envelope out of a raw XMessage. A message whose body
// cannot be decoded is deleted immediately as a poison pill, matching
// sqs_service.py's receive_messages behavior on json.JSONDecodeError.
func (s *RedisSubstrate) decode(ctx context.Context, lane models.QueueType, msg redis.XMessage) (Envelope, bool) {
	raw, ok := msg.Values["body"].(string)
	if !ok {
		s.log.Error("queue: message missing body, deleting as poison pill", "lane", lane, "id", msg.ID)
		s.ackAndDelete(ctx, lane, msg.ID)
		return Envelope{}, false
	}

	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		s.log.Error("queue: malformed envelope, deleting as poison pill", "lane", lane, "id", msg.ID, "error", err)
		s.ackAndDelete(ctx, lane, msg.ID)
		return Envelope{}, false
	}

	env.ReceiptHandle = msg.ID
	env.Attributes = map[string]string{
		"MessageType": stringValue(msg.Values["MessageType"]),
		"QueueType":   stringValue(msg.Values["QueueType"]),
	}
	if pid := stringValue(msg.Values["ProcessingId"]); pid != "" {
		env.Attributes["ProcessingId"] = pid
	}
	return env, true
}

func (s *RedisSubstrate) ackAndDelete(ctx context.Context, lane models.QueueType, id string) {
	pipe := s.client.Pipeline()
	pipe.XAck(ctx, streamKey(lane), ConsumerGroup, id)
	pipe.XDel(ctx, streamKey(lane), id)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Error("queue: failed to delete poison-pill message", "lane", lane, "id", id, "error", err)
	}
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}

// Delete implements §4.2 delete.
func (s *RedisSubstrate) Delete(ctx context.Context, lane models.QueueType, receiptHandle string) error {
	pipe := s.client.Pipeline()
	pipe.XAck(ctx, streamKey(lane), ConsumerGroup, receiptHandle)
	pipe.XDel(ctx, streamKey(lane), receiptHandle)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("queue: delete from %s: %w", lane, err)
	}
	return nil
}

// ExtendVisibility implements §4.2 extend_visibility by re-claiming the
// message to the current consumer, which resets its idle-time counter
// without incrementing its delivery count (XCLAIM with no JUSTID still
// counts as a delivery in Redis, so heartbeat extensions use JUSTID to
// avoid artificially inflating receive_count against max_receive_count).
func (s *RedisSubstrate) ExtendVisibility(ctx context.Context, lane models.QueueType, receiptHandle string, seconds int) error {
	err := s.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   streamKey(lane),
		Group:    ConsumerGroup,
		Consumer: s.consumerID,
		MinIdle:  0,
		Messages: []string{receiptHandle},
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: extend visibility on %s: %w", lane, err)
	}
	return nil
}

// Attributes implements §4.2 attributes(lane).
func (s *RedisSubstrate) Attributes(ctx context.Context, lane models.QueueType) (Attributes, error) {
	length, err := s.client.XLen(ctx, streamKey(lane)).Result()
	if err != nil {
		return Attributes{}, fmt.Errorf("queue: xlen %s: %w", lane, err)
	}
	pending, err := s.client.XPending(ctx, streamKey(lane), ConsumerGroup).Result()
	if err != nil {
		return Attributes{}, fmt.Errorf("queue: xpending %s: %w", lane, err)
	}
	return Attributes{
		ApproximateDepth:    length,
		ApproximateInFlight: pending.Count,
	}, nil
}
