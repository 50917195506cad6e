package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"atmos.ai/internal/protocol"
)

// bot drives a running server over the control protocol: it keeps adding gas
// to random cells and now and then vents one, so equalization never idles.
func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/control", "control ws url")
		name     = flag.String("name", "bot", "client name")
		cells    = flag.Int("cells", 64*64, "number of cells (ids 1..cells)")
		interval = flag.Duration("interval", 500*time.Millisecond, "edit interval")
		ventP    = flag.Float64("vent_p", 0.05, "chance an edit vents its cell")
		seed     = flag.Int64("seed", time.Now().UnixNano(), "rng seed")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      *name,
		MaxQueue:        8,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}
	var welcome protocol.WelcomeMsg
	if err := conn.ReadJSON(&welcome); err != nil || welcome.Type != protocol.TypeWelcome {
		logger.Fatalf("expected WELCOME: %v", err)
	}
	logger.Printf("session=%s world=%s tick=%d species=%d", welcome.SessionID, welcome.WorldID, welcome.Tick, len(welcome.Species))
	if len(welcome.Species) == 0 {
		logger.Fatalf("server has no species")
	}

	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ack protocol.AckMsg
			if err := json.Unmarshal(msg, &ack); err != nil || ack.Type != protocol.TypeAck {
				continue
			}
			if !ack.Accepted {
				logger.Printf("edit %s rejected: %s %s", ack.AckFor, ack.Code, ack.Message)
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	rng := rand.New(rand.NewSource(*seed))

	for n := 1; ; n++ {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		edit := randomEdit(rng, fmt.Sprintf("%s-%d", *name, n), welcome.Species, *cells, *ventP)
		if err := conn.WriteJSON(edit); err != nil {
			logger.Printf("send EDIT: %v", err)
			return
		}
	}
}

func randomEdit(rng *rand.Rand, reqID string, species []string, cells int, ventP float64) protocol.EditMsg {
	cell := uint32(rng.Intn(cells) + 1)
	op := protocol.EditOp{
		Op:      protocol.OpAddGas,
		Cell:    cell,
		Species: species[rng.Intn(len(species))],
		Moles:   5 + rng.Float64()*50,
	}
	if rng.Float64() < ventP {
		op = protocol.EditOp{Op: protocol.OpVent, Cell: cell}
	}
	return protocol.EditMsg{
		Type:            protocol.TypeEdit,
		ProtocolVersion: protocol.Version,
		ReqID:           reqID,
		Ops:             []protocol.EditOp{op},
	}
}
