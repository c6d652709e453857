package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"budgetflow/internal/core"
	"budgetflow/internal/log"
)

// latest is a one-slot mailbox that keeps only the newest bundle. A slow
// stream client skips intermediate bundles instead of holding up the
// publisher.
type latest struct {
	ch chan core.ViewBundle
}

func newLatest() *latest {
	return &latest{ch: make(chan core.ViewBundle, 1)}
}

// put never blocks. Callers must not race each other.
func (l *latest) put(b core.ViewBundle) {
	select {
	case l.ch <- b:
		return
	default:
	}
	select {
	case <-l.ch:
	default:
	}
	select {
	case l.ch <- b:
	default:
	}
}

// handleViewStream sends every published bundle as a "views" server-sent
// event, starting with the current one. Comment lines keep idle
// connections open.
func (s *Server) handleViewStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.FromContext(ctx)
	rc := http.NewResponseController(w)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		logger.WarnContext(ctx, "Streaming not supported", log.FieldError, err)
		return
	}

	box := newLatest()
	cancel := s.views.Subscribe(box.put)
	defer cancel()
	if len(box.ch) == 0 {
		// Closed publishers skip the initial handoff.
		box.put(s.views.Current())
	}

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	var sent uint64
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case b := <-box.ch:
			if !first && b.Sequence <= sent {
				continue
			}
			first = false
			sent = b.Sequence
			if err := writeEvent(w, "views", b.Sequence, b); err != nil {
				logger.DebugContext(ctx, "View stream closed", log.FieldError, err)
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, id uint64, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", event, id, data)
	return err
}
