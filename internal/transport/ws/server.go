package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"atmos.ai/internal/protocol"
	"atmos.ai/internal/sim/gas"
	"atmos.ai/internal/sim/turfs"
	"atmos.ai/internal/sim/world"
)

// Server is the host control channel: clients send EDIT batches that are
// applied to the map between equalization passes.
type Server struct {
	world *world.World
	log   *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	// EditsPerSecond caps EDIT messages per connection.
	EditsPerSecond int
}

func NewServer(w *world.World, logger *log.Logger) *Server {
	s := &Server{
		world: w,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		EditsPerSecond: 20,
	}
	return s
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sid, out := s.handshake(conn)
		if sid == "" {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		var (
			windowStart time.Time
			windowCount int
		)
		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeEdit {
				continue
			}
			edit, err := protocol.DecodeEdit(msg)
			if err != nil {
				s.send(ctx, out, s.reject(edit.ReqID, protocol.ErrProtoBadRequest, fmt.Sprintf("bad EDIT: %v", err)))
				continue
			}
			if edit.ProtocolVersion != protocol.Version {
				s.send(ctx, out, s.reject(edit.ReqID, protocol.ErrProtoBadRequest, "bad protocol_version"))
				continue
			}
			if now := time.Now(); now.Sub(windowStart) >= time.Second {
				windowStart, windowCount = now, 0
			}
			windowCount++
			if s.EditsPerSecond > 0 && windowCount > s.EditsPerSecond {
				s.send(ctx, out, s.reject(edit.ReqID, protocol.ErrRateLimit, "too many edits"))
				continue
			}
			s.send(ctx, out, s.apply(ctx, edit))
		}
		s.log.Printf("control session %s closed", sid)
	}
}

func (s *Server) send(ctx context.Context, out chan []byte, ack protocol.AckMsg) {
	b, _ := json.Marshal(ack)
	select {
	case out <- b:
	case <-ctx.Done():
	}
}

func (s *Server) reject(reqID, code, msg string) protocol.AckMsg {
	return protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          reqID,
		Code:            code,
		Message:         msg,
		ServerTick:      s.world.CurrentTick(),
	}
}

func (s *Server) apply(ctx context.Context, edit protocol.EditMsg) protocol.AckMsg {
	applied := 0
	err := s.world.Edit(ctx, func(m *turfs.Mutator, touch func(turfs.CellID)) error {
		for _, op := range edit.Ops {
			if err := applyOp(m, op, touch); err != nil {
				return fmt.Errorf("op %d (%s): %w", applied, op.Op, err)
			}
			applied++
		}
		return nil
	})
	if err != nil {
		ack := s.reject(edit.ReqID, errorCode(err), err.Error())
		ack.Applied = applied
		return ack
	}
	return protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          edit.ReqID,
		Accepted:        true,
		ServerTick:      s.world.CurrentTick(),
		Applied:         applied,
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, turfs.ErrUnknownCell):
		return protocol.ErrInvalidTarget
	case errors.Is(err, gas.ErrUnresolvableSpecies):
		return protocol.ErrUnknownSpecies
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return protocol.ErrWorldBusy
	default:
		return protocol.ErrBadRequest
	}
}

// touchAround queues id and its neighbors; structural changes affect both
// sides of every edge.
func touchAround(m *turfs.Mutator, id turfs.CellID, touch func(turfs.CellID)) {
	touch(id)
	for _, n := range m.Neighbors(id) {
		touch(n)
	}
}

func applyOp(m *turfs.Mutator, op protocol.EditOp, touch func(turfs.CellID)) error {
	id := turfs.CellID(op.Cell)
	switch op.Op {
	case protocol.OpSetGas, protocol.OpAddGas:
		species, err := gas.Current().IDOf(op.Species)
		if err != nil {
			return err
		}
		add := op.Op == protocol.OpAddGas
		if err := m.SetMixture(id, func(mix *gas.Mixture) {
			v := op.Moles
			if add {
				v += mix.Get(species)
			}
			mix.Set(species, v)
		}); err != nil {
			return err
		}
		touch(id)
	case protocol.OpTemperature:
		if err := m.SetMixture(id, func(mix *gas.Mixture) {
			if !mix.IsImmutable() {
				mix.Temperature = op.Kelvin
			}
		}); err != nil {
			return err
		}
	case protocol.OpVent:
		if err := m.SetImmutable(id); err != nil {
			return err
		}
		touchAround(m, id, touch)
	case protocol.OpEnable, protocol.OpDisable:
		if err := m.SetEnabled(id, op.Op == protocol.OpEnable); err != nil {
			return err
		}
		touchAround(m, id, touch)
	case protocol.OpLink:
		flags := turfs.AdjacentAny
		if op.Firelock {
			flags |= turfs.AdjacentFirelock
		}
		if err := m.Link(id, turfs.CellID(op.To), flags); err != nil {
			return err
		}
		touch(id)
		touch(turfs.CellID(op.To))
	case protocol.OpUnlink:
		if err := m.RemoveEdge(id, turfs.CellID(op.To)); err != nil {
			return err
		}
		if err := m.RemoveEdge(turfs.CellID(op.To), id); err != nil {
			return err
		}
		touch(id)
		touch(turfs.CellID(op.To))
	case protocol.OpCopy:
		if err := m.CopyAtmos(id, turfs.CellID(op.To)); err != nil {
			return err
		}
		touch(turfs.CellID(op.To))
	case protocol.OpPlanetary:
		if err := m.SetPlanetary(id, op.Atmos); err != nil {
			return err
		}
		touchAround(m, id, touch)
	default:
		return fmt.Errorf("unknown op %q", op.Op)
	}
	return nil
}

func (s *Server) handshake(conn *websocket.Conn) (sid string, out chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", nil
	}

	hello, err := protocol.DecodeHello(msg)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return "", nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return "", nil
	}
	if hello.ClientName == "" {
		hello.ClientName = "host"
	}

	maxQ := hello.MaxQueue
	if maxQ <= 0 {
		maxQ = 8
	}
	out = make(chan []byte, maxQ)

	sid = fmt.Sprintf("C%d", s.nextID.Add(1))
	var species []string
	for _, d := range gas.Current().Defs() {
		species = append(species, d.ID)
	}
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sid,
		WorldID:         s.world.Config().ID,
		RunID:           s.world.RunID(),
		Tick:            s.world.CurrentTick(),
		Species:         species,
		SpeciesDigest:   s.world.Metrics().SpeciesDigest,
	}
	if err := writeJSON(conn, welcome); err != nil {
		return "", nil
	}
	s.log.Printf("control session %s opened by %q", sid, hello.ClientName)
	return sid, out
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
