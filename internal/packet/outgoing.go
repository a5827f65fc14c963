// ABOUTME: Packets the gateway sends to agents and their JSON encoding.
// ABOUTME: Also decodes gateway frames on the agent side for tooling and tests.

package packet

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Outgoing is a gateway → agent packet.
type Outgoing interface {
	Label() string
	outgoing()
}

// ErrorKind names the class of protocol error reported back to an agent.
type ErrorKind string

const (
	ErrorPacketInvalidID ErrorKind = "PacketInvalidID"
	ErrorDeserialization ErrorKind = "PacketDeserializationError"
)

const (
	invalidIDMessage    = "Invalid packet ID"
	outgoingErrorID     = -1
	outgoingServerRunID = 0
)

// Error tells an agent that one of its frames was rejected.
type Error struct {
	Kind    ErrorKind
	Message string
}

// ServerRun carries a command to execute. Only Run, Query and Set reach the
// wire.
type ServerRun struct {
	Command ServerCommand
}

func (Error) Label() string     { return "error" }
func (ServerRun) Label() string { return "server_run" }

func (Error) outgoing()     {}
func (ServerRun) outgoing() {}

// InvalidIDError is the reply to a frame with an unknown packet id.
func InvalidIDError() Error {
	return Error{Kind: ErrorPacketInvalidID, Message: invalidIDMessage}
}

// DeserializationError is the reply to a frame that could not be decoded.
func DeserializationError(detail string) Error {
	return Error{Kind: ErrorDeserialization, Message: detail}
}

// ErrUnknownPacket is returned by Encode for a nil or foreign Outgoing value.
var ErrUnknownPacket = errors.New("unknown outgoing packet")

type errorFrame struct {
	ID      int       `json:"id"`
	Message string    `json:"message"`
	Error   ErrorKind `json:"error"`
}

// Exec is the wire form of a command.
type Exec struct {
	Run   []string          `json:"run"`
	Query []string          `json:"query"`
	Set   map[string]string `json:"set"`
}

type serverRunFrame struct {
	ID   int  `json:"id"`
	Exec Exec `json:"exec"`
}

// Encode serializes an outgoing packet as a single JSON object.
func Encode(p Outgoing) ([]byte, error) {
	switch v := p.(type) {
	case Error:
		return json.Marshal(errorFrame{ID: outgoingErrorID, Message: v.Message, Error: v.Kind})
	case ServerRun:
		return json.Marshal(serverRunFrame{ID: outgoingServerRunID, Exec: execOf(v.Command)})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownPacket, p)
	}
}

func execOf(cmd ServerCommand) Exec {
	exec := Exec{Run: cmd.Run, Query: cmd.Query, Set: cmd.Set}
	if exec.Run == nil {
		exec.Run = []string{}
	}
	if exec.Query == nil {
		exec.Query = []string{}
	}
	if exec.Set == nil {
		exec.Set = map[string]string{}
	}
	return exec
}

// ServerFrame is an agent's view of a gateway frame. Exactly one of Exec or
// the error fields is populated.
type ServerFrame struct {
	ID      int       `json:"id"`
	Message string    `json:"message,omitempty"`
	Error   ErrorKind `json:"error,omitempty"`
	Exec    *Exec     `json:"exec,omitempty"`
}

// DecodeServerFrame parses a gateway → agent frame.
func DecodeServerFrame(frame []byte) (ServerFrame, error) {
	var f ServerFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return ServerFrame{}, fmt.Errorf("decode server frame: %w", err)
	}
	switch f.ID {
	case outgoingErrorID:
		if f.Error == "" {
			return ServerFrame{}, fmt.Errorf("decode server frame: missing field %q", "error")
		}
	case outgoingServerRunID:
		if f.Exec == nil {
			return ServerFrame{}, fmt.Errorf("decode server frame: missing field %q", "exec")
		}
	default:
		return ServerFrame{}, fmt.Errorf("decode server frame: unknown id %d", f.ID)
	}
	return f, nil
}
