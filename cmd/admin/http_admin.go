package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"macrosim.ai/internal/protocol"
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/v1/status"
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}

// controlCmd sends PAUSE, RESUME or STEP.
func controlCmd(args []string) {
	fs := flag.NewFlagSet("control", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	op := strings.ToUpper(strings.TrimSpace(fs.Arg(0)))
	switch op {
	case protocol.TypePause, protocol.TypeResume, protocol.TypeStep:
	default:
		fmt.Fprintln(os.Stderr, "usage: admin control [-url u] pause|resume|step")
		os.Exit(2)
	}
	os.Exit(post(*baseURL, commandBody(op, nil)))
}

// submitCmd sends an arbitrary command: admin submit TYPE '{"payload":...}'.
func submitCmd(args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: admin submit [-url u] TYPE [payload-json]")
		os.Exit(2)
	}
	var payload json.RawMessage
	if fs.NArg() > 1 {
		payload = json.RawMessage(fs.Arg(1))
	}
	os.Exit(post(*baseURL, commandBody(strings.ToUpper(fs.Arg(0)), payload)))
}

func commandBody(typ string, payload json.RawMessage) []byte {
	msg := map[string]any{
		"type":             typ,
		"protocol_version": protocol.Version,
		"id":               uuid.NewString(),
	}
	if len(payload) > 0 {
		msg["payload"] = payload
	}
	b, _ := json.Marshal(msg)
	return b
}

func post(baseURL string, body []byte) int {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/v1/commands"
	cl := &http.Client{Timeout: 10 * time.Second}
	resp, err := cl.Post(u, "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		return 1
	}
	defer resp.Body.Close()
	var ack protocol.CommandAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		fmt.Fprintln(os.Stderr, "decode ack:", err)
		return 1
	}
	if !ack.Accepted {
		fmt.Printf("rejected id=%s code=%s: %s\n", ack.CommandID, ack.Code, ack.Message)
		return 1
	}
	fmt.Printf("accepted id=%s server_tick=%d\n", ack.CommandID, ack.ServerTick)
	return 0
}
