package stream

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/httpx"
)

// Handler serves the hub over a websocket. It sends a ready event, then every
// published event until the client or the request goes away.
func Handler(h *Hub, allowedOrigins string) http.HandlerFunc {
	origins := OriginPatterns(allowedOrigins)
	return func(w http.ResponseWriter, r *http.Request) {
		if h == nil {
			httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
			return
		}
		opts := &websocket.AcceptOptions{}
		if len(origins) > 0 {
			opts.OriginPatterns = origins
		}
		conn, err := websocket.Accept(w, r, opts)
		if err != nil {
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		sub := h.Subscribe(64)
		defer h.Unsubscribe(sub)

		_ = wsjson.Write(ctx, conn, NewEvent(EventReady, nil))
		readErr := make(chan error, 1)
		go func() {
			for {
				if _, _, err := conn.Read(ctx); err != nil {
					readErr <- err
					return
				}
			}
		}()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			case <-readErr:
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			case evt, ok := <-sub:
				if !ok {
					_ = conn.Close(websocket.StatusNormalClosure, "closed")
					return
				}
				writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
				err := wsjson.Write(writeCtx, conn, evt)
				cancelWrite()
				if err != nil {
					_ = conn.Close(websocket.StatusPolicyViolation, "write_failed")
					return
				}
			}
		}
	}
}

// OriginPatterns splits a comma separated WS_ALLOWED_ORIGINS value.
func OriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
