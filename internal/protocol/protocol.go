// Package protocol defines the commands, events and connection parameters
// exchanged between controller clients, the hub and the worker loop.
package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxPayloadBytes is the largest outbound message accepted, in UTF-8 bytes.
// It matches the fixed frame buffer of the underlying transport.
const MaxPayloadBytes = 4096

var (
	// ErrState is returned when a command is invalid for the current worker state.
	ErrState = errors.New("state error")
	// ErrValidation is returned for malformed parameters or payloads.
	ErrValidation = errors.New("validation error")
	// ErrConnection wraps failures reported by a connection engine.
	ErrConnection = errors.New("connection error")
)

// ConnectionParameters identify the remote endpoint. They are treated as an
// immutable value once handed to the hub.
type ConnectionParameters struct {
	Address string `json:"Address"`
	Port    int    `json:"Port"`
	Path    string `json:"Path"`
}

// Validate checks the address and port range.
func (p ConnectionParameters) Validate() error {
	if strings.TrimSpace(p.Address) == "" {
		return fmt.Errorf("%w: address is required", ErrValidation)
	}
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range 0..65535", ErrValidation, p.Port)
	}
	return nil
}

// Normalized returns a copy with an empty path replaced by "/" and a leading
// slash enforced.
func (p ConnectionParameters) Normalized() ConnectionParameters {
	if p.Path == "" {
		p.Path = "/"
	} else if !strings.HasPrefix(p.Path, "/") {
		p.Path = "/" + p.Path
	}
	return p
}

func (p ConnectionParameters) String() string {
	return fmt.Sprintf("%s:%d%s", p.Address, p.Port, p.Path)
}

// ValidatePayload rejects empty, non UTF-8 or oversized outbound text.
func ValidatePayload(text string, max int) error {
	if text == "" {
		return fmt.Errorf("%w: empty payload", ErrValidation)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: payload is not valid UTF-8", ErrValidation)
	}
	if max > 0 && len(text) > max {
		return fmt.Errorf("%w: payload is %d bytes, limit %d", ErrValidation, len(text), max)
	}
	return nil
}

// CommandKind identifies the type of inbound command.
type CommandKind string

const (
	CommandSetParameters        CommandKind = "set_parameters"
	CommandSendMessage          CommandKind = "send_message"
	CommandStart                CommandKind = "start"
	CommandStop                 CommandKind = "stop"
	CommandSuspend              CommandKind = "suspend"
	CommandResume               CommandKind = "resume"
	CommandRegisterReplyChannel CommandKind = "register_reply_channel"
)

// Command is a single request from a controller client.
type Command struct {
	Kind    CommandKind
	Params  ConnectionParameters // SetParameters
	Text    string               // SendMessage
	ReplyTo ReplyAddress         // optional; replaces the current reply address
}

// EventKind identifies the type of outbound event.
type EventKind string

const (
	EventStarted         EventKind = "started"
	EventStopped         EventKind = "stopped"
	EventSuspended       EventKind = "suspended"
	EventResumed         EventKind = "resumed"
	EventMessageReceived EventKind = "message_received"
	EventConnectionError EventKind = "connection_error"
)

// Event is an immutable notification from the worker loop or its engine.
type Event struct {
	Kind    EventKind `json:"kind"`
	Payload string    `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

// ReplyAddress receives events. Deliver must not block.
type ReplyAddress interface {
	ID() string
	Deliver(Event)
}
