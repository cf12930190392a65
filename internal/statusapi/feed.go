package statusapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/signalsfoundry/traci-sync/internal/logging"
	"github.com/signalsfoundry/traci-sync/kb"
)

const feedWriteTimeout = 5 * time.Second

// CountsJSON is the population projection attached to step events.
type CountsJSON struct {
	Active  int `json:"active"`
	Parking int `json:"parking"`
	Driving int `json:"driving"`
}

// EventJSON is one registry event as sent on the feed.
type EventJSON struct {
	Type    string       `json:"type"`
	StepMs  int64        `json:"stepMs"`
	ID      string       `json:"id,omitempty"`
	Reason  string       `json:"reason,omitempty"`
	Vehicle *VehicleJSON `json:"vehicle,omitempty"`
	Counts  *CountsJSON  `json:"counts,omitempty"`
}

func eventJSON(ev kb.Event) EventJSON {
	out := EventJSON{Type: ev.Type.String(), StepMs: ev.StepMs, ID: ev.ID}
	switch ev.Type {
	case kb.EventEntityCreated, kb.EventEntityUpdated, kb.EventEntityDestroyed:
		v := vehicleJSON(ev.State)
		out.Vehicle = &v
	case kb.EventUnequipped:
		out.Reason = ev.Reason.String()
	case kb.EventStepCompleted:
		out.Counts = &CountsJSON{Active: ev.Counts.Active, Parking: ev.Counts.Parking, Driving: ev.Counts.Driving}
	}
	return out
}

// handleFeed upgrades to a websocket and streams registry events as JSON
// text messages until the client goes away or falls too far behind.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logging.LoggerFromContext(ctx)
	if log == nil {
		log = s.log
	}
	if !s.acquireFeed() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn(ctx, "feed upgrade failed", logging.Err(err))
		return
	}
	defer conn.Close()
	select {
	case <-s.quit:
		writeClose(conn, websocket.CloseGoingAway, "server shutting down")
		return
	default:
	}

	events := make(chan kb.Event, feedBuffer)
	overflow := make(chan struct{})
	unsubscribe := s.view.Registry().Subscribe(func(ev kb.Event) {
		select {
		case events <- ev:
		default:
			select {
			case <-overflow:
			default:
				close(overflow)
			}
		}
	})
	defer unsubscribe()

	// The reader only notices the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.Debug(ctx, "feed client connected", logging.String("remote", r.RemoteAddr))
	for {
		select {
		case ev := <-events:
			data, err := json.Marshal(eventJSON(ev))
			if err != nil {
				log.Warn(ctx, "feed marshal failed", logging.Err(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-overflow:
			log.Warn(ctx, "feed client too slow, disconnecting", logging.String("remote", r.RemoteAddr))
			writeClose(conn, websocket.ClosePolicyViolation, "feed client too slow")
			return
		case <-s.quit:
			writeClose(conn, websocket.CloseGoingAway, "server shutting down")
			return
		case <-gone:
			return
		case <-ctx.Done():
			return
		}
	}
}

func writeClose(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
