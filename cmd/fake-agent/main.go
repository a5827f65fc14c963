// ABOUTME: Minimal fake agent for E2E testing: dials the gateway WebSocket, identifies, prints commands.
// ABOUTME: Usage: fake-agent [-url ws://localhost:8080/ws] [-name lobby-1] [-scope '!room:example.org']

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/coder/websocket"

	"github.com/2389/ferry-gateway/internal/packet"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "Gateway agent WebSocket URL")
	name := flag.String("name", "fake-agent", "Agent name sent as set_name")
	scope := flag.String("scope", "", "Scope (server ID) sent as set_server")
	flag.Parse()

	if *scope == "" {
		fmt.Fprintln(os.Stderr, "-scope is required")
		os.Exit(2)
	}

	if err := run(*url, *name, *scope); err != nil {
		log.Fatal(err)
	}
}

func run(url, name, scope string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	nameFrame, err := packet.EncodeSetName(name)
	if err != nil {
		return err
	}
	scopeFrame, err := packet.EncodeSetServer(scope)
	if err != nil {
		return err
	}
	for _, frame := range [][]byte{nameFrame, scopeFrame} {
		if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
			return fmt.Errorf("failed to identify: %w", err)
		}
	}
	fmt.Fprintf(os.Stderr, "identified as %s in %s\n", name, scope)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				return fmt.Errorf("gateway closed connection: %s", ce.Reason)
			}
			return fmt.Errorf("read error: %w", err)
		}

		frame, err := packet.DecodeServerFrame(data)
		if err != nil {
			log.Printf("undecodable frame: %v", err)
			continue
		}

		if frame.Exec == nil {
			log.Printf("gateway error %s: %s", frame.Error, frame.Message)
			continue
		}

		log.Printf("exec run=[%s] query=[%s] set=%v",
			strings.Join(frame.Exec.Run, "; "), strings.Join(frame.Exec.Query, "; "), frame.Exec.Set)
	}
}
