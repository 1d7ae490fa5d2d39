package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"wsagent/internal/hub"
	"wsagent/internal/protocol"
)

const consoleMailboxSize = 64

const consoleHelp = `commands:
  set <address> <port> [path]   store connection parameters
  start | stop                  start or stop the worker
  suspend | resume              pause or continue the worker
  send <text>                   queue a text message
  help                          show this help
`

// commandSubmitter is the part of the hub the console drives.
type commandSubmitter interface {
	Submit(cmd protocol.Command)
}

// runConsole turns each line of in into a hub command and prints every event
// addressed to the console's mailbox on out. It returns when in is exhausted
// or ctx is cancelled.
func runConsole(ctx context.Context, in io.Reader, out io.Writer, h commandSubmitter) error {
	var outMu sync.Mutex
	printf := func(format string, args ...interface{}) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprintf(out, format, args...)
	}

	mb := hub.NewMailbox(consoleMailboxSize)
	h.Submit(protocol.Command{Kind: protocol.CommandRegisterReplyChannel, ReplyTo: mb})

	printerCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			ev, err := mb.Next(printerCtx)
			if err != nil {
				return
			}
			printf("%s\n", formatEvent(ev))
		}
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if strings.TrimSpace(line) == "help" {
				printf("%s", consoleHelp)
				continue
			}
			cmd, err := parseCommand(line)
			if err != nil {
				printf("error: %v\n", err)
				continue
			}
			h.Submit(cmd)
		}
	}
}

// parseCommand converts one console line into a command. Text after "send "
// is taken verbatim so messages keep their inner spacing.
func parseCommand(line string) (protocol.Command, error) {
	trimmed := strings.TrimLeft(line, " \t")
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return protocol.Command{}, fmt.Errorf("%w: empty command", protocol.ErrValidation)
	}

	switch verb := strings.ToLower(fields[0]); verb {
	case "set":
		if len(fields) < 3 || len(fields) > 4 {
			return protocol.Command{}, fmt.Errorf("%w: usage: set <address> <port> [path]", protocol.ErrValidation)
		}
		port, err := strconv.Atoi(fields[2])
		if err != nil {
			return protocol.Command{}, fmt.Errorf("%w: invalid port %q", protocol.ErrValidation, fields[2])
		}
		p := protocol.ConnectionParameters{Address: fields[1], Port: port}
		if len(fields) == 4 {
			p.Path = fields[3]
		}
		return protocol.Command{Kind: protocol.CommandSetParameters, Params: p.Normalized()}, nil

	case "send":
		text := strings.TrimPrefix(trimmed[len(fields[0]):], " ")
		return protocol.Command{Kind: protocol.CommandSendMessage, Text: text}, nil

	case "start":
		return protocol.Command{Kind: protocol.CommandStart}, nil
	case "stop":
		return protocol.Command{Kind: protocol.CommandStop}, nil
	case "suspend":
		return protocol.Command{Kind: protocol.CommandSuspend}, nil
	case "resume":
		return protocol.Command{Kind: protocol.CommandResume}, nil

	default:
		return protocol.Command{}, fmt.Errorf("%w: unknown command %q (try help)", protocol.ErrValidation, verb)
	}
}

func formatEvent(ev protocol.Event) string {
	ts := ev.Time.Format(time.RFC3339Nano)
	if ev.Payload == "" {
		return fmt.Sprintf("%s %s", ts, ev.Kind)
	}
	return fmt.Sprintf("%s %s %s", ts, ev.Kind, ev.Payload)
}
