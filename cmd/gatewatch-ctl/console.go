package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"

	"github.com/gatewatch/gatewatch-go/pkg/gateway"
)

// Console handles interactive mode for gatewatch-ctl.
type Console struct {
	client *gateway.Client
	rl     *readline.Instance

	showEvents atomic.Bool
}

// NewConsole creates the interactive console and hooks it into the
// client's lifecycle callbacks.
func NewConsole(client *gateway.Client) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gatewatch> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	c := &Console{
		client: client,
		rl:     rl,
	}
	c.showEvents.Store(true)

	client.OnConnected(func(info gateway.ServerInfo) {
		fmt.Fprintf(rl.Stdout(), "Connected (protocol %d)\n", info.Protocol)
	})
	client.OnDisconnected(func(err error) {
		fmt.Fprintf(rl.Stdout(), "Disconnected: %v\n", err)
	})
	client.OnEvent(func(name string, payload json.RawMessage) {
		if !c.showEvents.Load() {
			return
		}
		if len(payload) == 0 {
			fmt.Fprintf(rl.Stdout(), "event %s\n", name)
			return
		}
		fmt.Fprintf(rl.Stdout(), "event %s %s\n", name, payload)
	})

	return c, nil
}

// Run starts the interactive command loop.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			c.printHelp()

		case "status", "s":
			c.cmdStatus()

		case "call", "c":
			c.cmdCall(ctx, args)

		case "events", "e":
			c.cmdEvents(args)

		case "wait":
			c.cmdWait(ctx, args)

		case "quit", "exit", "q":
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return

		default:
			fmt.Fprintf(c.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.rl.Stdout(), `
Gatewatch Commands:
  status                  - Show connection status
  call <method> [params]  - Call a gateway method (params as JSON)
  events on|off           - Toggle live event display
  wait [timeout]          - Wait for the connection to become ready

  General:
    help                  - Show this help
    quit                  - Exit console

  Examples:
    call sessions.list
    call sessions.kill {"sessionId":"s-1"}
    wait 10s`)
}

// cmdStatus handles the status command.
func (c *Console) cmdStatus() {
	out := c.rl.Stdout()
	status := c.client.Status()

	fmt.Fprintln(out, "\nConnection Status")
	fmt.Fprintln(out, "-------------------------------------------")
	fmt.Fprintf(out, "  State:         %s\n", c.client.State())
	if status.Connected {
		fmt.Fprintf(out, "  Uptime:        %s\n", status.Uptime.Round(time.Second))
		fmt.Fprintf(out, "  Protocol:      %d\n", status.Protocol)
		if len(status.Server) > 0 {
			fmt.Fprintf(out, "  Server:        %s\n", status.Server)
		}
	}
	fmt.Fprintf(out, "  Pending calls: %d\n", status.PendingCalls)
	fmt.Fprintln(out)
}

// cmdCall handles the call command.
func (c *Console) cmdCall(ctx context.Context, args []string) {
	out := c.rl.Stdout()

	if len(args) < 1 {
		fmt.Fprintln(out, "Usage: call <method> [json-params]")
		fmt.Fprintln(out, "  Example: call sessions.kill {\"sessionId\":\"s-1\"}")
		return
	}

	method := args[0]
	var params any
	if len(args) > 1 {
		raw := json.RawMessage(strings.Join(args[1:], " "))
		if !json.Valid(raw) {
			fmt.Fprintln(out, "Params must be valid JSON")
			return
		}
		params = raw
	}

	start := time.Now()
	result, err := c.client.Call(ctx, method, params)
	if err != nil {
		fmt.Fprintf(out, "Call failed: %v\n", err)
		return
	}

	elapsed := time.Since(start).Round(time.Millisecond)
	if len(result) == 0 {
		fmt.Fprintf(out, "OK (%s)\n", elapsed)
		return
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		fmt.Fprintf(out, "%s (%s)\n", result, elapsed)
		return
	}
	fmt.Fprintf(out, "%s (%s)\n", pretty.String(), elapsed)
}

// cmdEvents handles the events command.
func (c *Console) cmdEvents(args []string) {
	out := c.rl.Stdout()

	if len(args) < 1 {
		state := "off"
		if c.showEvents.Load() {
			state = "on"
		}
		fmt.Fprintf(out, "Event display is %s (use 'events on' or 'events off')\n", state)
		return
	}

	switch strings.ToLower(args[0]) {
	case "on":
		c.showEvents.Store(true)
		fmt.Fprintln(out, "Event display on")
	case "off":
		c.showEvents.Store(false)
		fmt.Fprintln(out, "Event display off")
	default:
		fmt.Fprintln(out, "Usage: events on|off")
	}
}

// cmdWait handles the wait command.
func (c *Console) cmdWait(ctx context.Context, args []string) {
	out := c.rl.Stdout()

	timeout := 30 * time.Second
	if len(args) > 0 {
		d, err := time.ParseDuration(args[0])
		if err != nil || d <= 0 {
			fmt.Fprintln(out, "Usage: wait [timeout], e.g. wait 10s")
			return
		}
		timeout = d
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.client.WaitReady(waitCtx); err != nil {
		fmt.Fprintf(out, "Not ready: %v\n", err)
		return
	}
	fmt.Fprintln(out, "Ready")
}
