package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"macrosim.ai/internal/protocol"
)

// bot is a traffic generator: it watches the live audit stream and sends
// random transfers between the given agents on the command stream.
func main() {
	var (
		base   = flag.String("url", "ws://localhost:8080", "server ws base url")
		ids    = flag.String("agents", "1,2", "comma separated agent ids to transfer between")
		every  = flag.Int("every", 5, "send one transfer every N ticks (0 = watch only)")
		maxAmt = flag.Int64("max_amount", 100, "max transfer amount in pennies")
		seed   = flag.Int64("seed", time.Now().UnixNano(), "rng seed")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	agents, err := parseIDs(*ids)
	if err != nil {
		logger.Fatalf("agents: %v", err)
	}

	root := strings.TrimRight(*base, "/")
	live, _, err := websocket.DefaultDialer.Dial(root+"/v1/ws/live", nil)
	if err != nil {
		logger.Fatalf("dial live: %v", err)
	}
	defer live.Close()
	cmds, _, err := websocket.DefaultDialer.Dial(root+"/v1/ws/command", nil)
	if err != nil {
		logger.Fatalf("dial command: %v", err)
	}
	defer cmds.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	go func() {
		for {
			_, msg, err := cmds.ReadMessage()
			if err != nil {
				return
			}
			var ack protocol.CommandAck
			if err := json.Unmarshal(msg, &ack); err != nil || ack.Accepted {
				continue
			}
			logger.Printf("REJECTED id=%s code=%s %s", ack.CommandID, ack.Code, ack.Message)
		}
	}()

	r := rand.New(rand.NewSource(*seed))
	for {
		select {
		case <-stop:
			return
		default:
		}

		_, msg, err := live.ReadMessage()
		if err != nil {
			return
		}
		b, err := protocol.DecodeBase(msg)
		if err != nil || b.Type != protocol.TypeTickAudit {
			continue
		}
		var a protocol.TickAudit
		if err := json.Unmarshal(msg, &a); err != nil {
			continue
		}
		mark := ""
		if a.ToleranceBreached {
			mark = " BREACH"
		}
		logger.Printf("tick=%d m2=%d expected=%d delta=%d panic=%.2f%s", a.Tick, a.CurrentM2, a.ExpectedM2, a.Delta, a.PanicIndex, mark)

		if *every > 0 && a.Tick%uint64(*every) == 0 && len(agents) > 1 {
			if err := cmds.WriteMessage(websocket.TextMessage, randomTransfer(r, agents, *maxAmt)); err != nil {
				logger.Printf("send: %v", err)
				return
			}
		}
	}
}

func randomTransfer(r *rand.Rand, agents []int64, maxAmt int64) []byte {
	src := r.Intn(len(agents))
	dst := (src + 1 + r.Intn(len(agents)-1)) % len(agents)
	if maxAmt < 1 {
		maxAmt = 1
	}
	amt := 1 + r.Int63n(maxAmt)
	return []byte(fmt.Sprintf(`{"type":%q,"protocol_version":%q,"payload":{"source":%d,"target":%d,"amount":%d}}`,
		protocol.TypeTransfer, protocol.Version, agents[src], agents[dst], amt))
}

func parseIDs(s string) ([]int64, error) {
	var out []int64
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
