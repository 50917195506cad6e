package world

import (
	"encoding/json"

	"atmos.ai/internal/observerproto"
)

type ObserverJoinRequest struct {
	SessionID string
	TickOut   chan []byte

	Events    bool
	MaxEvents int
}

type observerClient struct {
	id        string
	tickOut   chan []byte
	events    bool
	maxEvents int
}

func clampInt(v, lo, hi, def int) int {
	if v <= 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// handleObserverJoin registers or updates a session. A join for a known id
// replaces its settings and keeps its channel.
func (w *World) handleObserverJoin(req ObserverJoinRequest) {
	if req.SessionID == "" || req.TickOut == nil {
		return
	}
	c := &observerClient{
		id:        req.SessionID,
		tickOut:   req.TickOut,
		events:    req.Events,
		maxEvents: clampInt(req.MaxEvents, 1, 4096, 256),
	}
	if old := w.observers[req.SessionID]; old != nil && old.tickOut != req.TickOut {
		close(old.tickOut)
	}
	w.observers[req.SessionID] = c
}

func (w *World) handleObserverLeave(id string) {
	c := w.observers[id]
	if c == nil {
		return
	}
	delete(w.observers, id)
	close(c.tickOut)
}

func (w *World) broadcastTick(entry TickLogEntry, events []EventLogEntry) {
	if len(w.observers) == 0 {
		return
	}
	base := observerproto.TickMsg{
		Type:             "TICK",
		ProtocolVersion:  observerproto.Version,
		Tick:             entry.Tick,
		Processed:        entry.Processed,
		Cancelled:        entry.Cancelled,
		Zones:            entry.Zones,
		CostEqualize:     entry.CostEqualize,
		TotalMoles:       entry.TotalMoles,
		CallbacksRan:     entry.CallbacksRan,
		CallbacksDropped: entry.CallbacksDropped,
	}
	plain, _ := json.Marshal(base)

	var converted []observerproto.Event
	for _, c := range w.observers {
		if !c.events || len(events) == 0 {
			sendLatest(c.tickOut, plain)
			continue
		}
		if converted == nil {
			converted = make([]observerproto.Event, 0, len(events))
			for _, ev := range events {
				if ev.Type == EventDiagnostic {
					continue
				}
				converted = append(converted, observerproto.Event{
					Type:     ev.Type,
					Cell:     ev.Cell,
					To:       ev.To,
					Target:   ev.Target,
					Amount:   ev.Amount,
					Expelled: ev.Expelled,
				})
			}
		}
		msg := base
		msg.Events = converted
		if len(msg.Events) > c.maxEvents {
			msg.Truncated = len(msg.Events) - c.maxEvents
			msg.Events = msg.Events[:c.maxEvents]
		}
		b, _ := json.Marshal(msg)
		sendLatest(c.tickOut, b)
	}
}

func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}
