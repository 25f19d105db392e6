package handlers

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ispbill/routerd/internal/devicepool"
	"github.com/ispbill/routerd/internal/middleware"
)

const (
	eventStreamBuffer = 64
	eventWriteTimeout = 5 * time.Second
)

// EventStream pushes the tenant's connection events over a websocket. Buffered history
// for the tenant's current entries is sent first. Events are dropped for a client that
// cannot keep up.
func (s *Server) EventStream(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenant(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("Failed to accept event websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	events := make(chan devicepool.ConnectionEvent, eventStreamBuffer)
	unsubscribe := s.Pool.Subscribe(func(ev devicepool.ConnectionEvent) {
		if ev.Key.TenantID != tenant {
			return
		}
		select {
		case events <- ev:
		default:
		}
	})
	defer unsubscribe()

	// The client never sends; CloseRead handles control frames and cancels ctx on close.
	ctx := conn.CloseRead(r.Context())

	for _, st := range s.Pool.GetStatus() {
		if st.TenantID != tenant {
			continue
		}
		key := devicepool.Key{TenantID: st.TenantID, Host: st.Host, Port: st.Port}
		for _, ev := range s.Pool.Events(key) {
			if err := writeEvent(ctx, conn, ev); err != nil {
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-events:
			if err := writeEvent(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev devicepool.ConnectionEvent) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
