package realtime

import (
	"github.com/fasthttp/websocket"
	"github.com/valyala/fasthttp"
	"github.com/zerodha/fastglue"
)

func newUpgrader() websocket.FastHTTPUpgrader {
	return websocket.FastHTTPUpgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(ctx *fasthttp.RequestCtx) bool { return true },
	}
}

// Handler upgrades the request to a WebSocket and streams campaign stats
// updates to the dashboard until the connection closes.
func Handler(hub *Hub) fastglue.FastRequestHandler {
	upgrader := newUpgrader()
	return func(r *fastglue.Request) error {
		err := upgrader.Upgrade(r.RequestCtx, func(conn *websocket.Conn) {
			client := NewClient(hub, conn)
			hub.Register(client)

			go client.WritePump()
			client.ReadPump()
		})
		if err != nil {
			return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "websocket upgrade failed", nil, "")
		}
		return nil
	}
}
