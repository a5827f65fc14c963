// ABOUTME: Two-stage decoder for packets sent by agents to the gateway.
// ABOUTME: Classifies every frame as SetName, SetServer, InvalidID or Invalid.

package packet

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/tidwall/gjson"
)

// Incoming is a decoded agent → gateway packet.
type Incoming interface {
	// Label is a short snake_case label used in logs and metrics.
	Label() string
	incoming()
}

// SetName announces the agent's display name.
type SetName struct {
	Name string
}

// SetServer binds the agent to a scope (the control-plane room or guild).
type SetServer struct {
	ScopeID string
}

// InvalidID is produced for a well-formed envelope whose id is not registered.
type InvalidID struct{}

// Invalid is produced when a frame cannot be decoded. Detail is never empty.
type Invalid struct {
	Detail string
}

func (SetName) Label() string   { return "set_name" }
func (SetServer) Label() string { return "set_server" }
func (InvalidID) Label() string { return "invalid_id" }
func (Invalid) Label() string   { return "invalid" }

func (SetName) incoming()   {}
func (SetServer) incoming() {}
func (InvalidID) incoming() {}
func (Invalid) incoming()   {}

// Incoming packet ids.
const (
	IDSetName   = 0
	IDSetServer = 1
)

// schemaDecoder decodes the full body of a frame whose id is already known.
type schemaDecoder func(frame []byte) (Incoming, error)

var incomingDecoders = map[int64]schemaDecoder{
	IDSetName:   decodeSetName,
	IDSetServer: decodeSetServer,
}

// Decode classifies a single text frame. It never panics and always returns
// a non-nil packet.
func Decode(frame string) Incoming {
	id, err := envelopeID(frame)
	if err != nil {
		return Invalid{Detail: err.Error()}
	}

	decode, ok := incomingDecoders[id]
	if !ok {
		return InvalidID{}
	}

	pkt, err := decode([]byte(frame))
	if err != nil {
		return Invalid{Detail: err.Error()}
	}
	return pkt
}

// envelopeID extracts the integer discriminator without decoding the body.
func envelopeID(frame string) (int64, error) {
	if !gjson.Valid(frame) {
		return 0, syntaxError(frame)
	}

	root := gjson.Parse(frame)
	if !root.IsObject() {
		return 0, fmt.Errorf("expected a JSON object, got %s", describe(root))
	}

	id := root.Get("id")
	if !id.Exists() {
		return 0, fmt.Errorf("missing field %q", "id")
	}
	if id.Type != gjson.Number {
		return 0, fmt.Errorf("field %q: expected integer, got %s", "id", describe(id))
	}
	if id.Num != math.Trunc(id.Num) || math.Abs(id.Num) > math.MaxInt32 {
		return 0, fmt.Errorf("field %q: expected integer, got %s", "id", id.Raw)
	}
	return id.Int(), nil
}

// syntaxError reports why a frame is not valid JSON, using encoding/json for
// a positioned message.
func syntaxError(frame string) error {
	var v json.RawMessage
	if err := json.Unmarshal([]byte(frame), &v); err != nil {
		return err
	}
	return fmt.Errorf("malformed JSON")
}

func describe(r gjson.Result) string {
	switch {
	case r.IsObject():
		return "object"
	case r.IsArray():
		return "array"
	case r.Type == gjson.String:
		return "string"
	case r.Type == gjson.True, r.Type == gjson.False:
		return "boolean"
	case r.Type == gjson.Null:
		return "null"
	case r.Type == gjson.Number:
		return "number"
	default:
		return "unknown value"
	}
}

type setNameBody struct {
	Name *string `json:"name"`
}

type setServerBody struct {
	GuildID *string `json:"guildId"`
}

func decodeSetName(frame []byte) (Incoming, error) {
	var body setNameBody
	if err := json.Unmarshal(frame, &body); err != nil {
		return nil, err
	}
	if body.Name == nil {
		return nil, fmt.Errorf("missing field %q", "name")
	}
	return SetName{Name: *body.Name}, nil
}

func decodeSetServer(frame []byte) (Incoming, error) {
	var body setServerBody
	if err := json.Unmarshal(frame, &body); err != nil {
		return nil, err
	}
	if body.GuildID == nil {
		return nil, fmt.Errorf("missing field %q", "guildId")
	}
	return SetServer{ScopeID: *body.GuildID}, nil
}

// EncodeSetName builds the frame an agent sends to announce its name.
func EncodeSetName(name string) ([]byte, error) {
	return json.Marshal(struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}{IDSetName, name})
}

// EncodeSetServer builds the frame an agent sends to join a scope.
func EncodeSetServer(scopeID string) ([]byte, error) {
	return json.Marshal(struct {
		ID      int    `json:"id"`
		GuildID string `json:"guildId"`
	}{IDSetServer, scopeID})
}
