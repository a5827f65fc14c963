// ABOUTME: Tests for the agent wire protocol.
// ABOUTME: Covers decode totality, error replies and ServerRun round-trips.

package packet

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Incoming
	}{
		{"set name", `{"id":0,"name":"alpha"}`, SetName{Name: "alpha"}},
		{"set name empty", `{"id":0,"name":""}`, SetName{Name: ""}},
		{"set server", `{"id":1,"guildId":"!room:example.org"}`, SetServer{ScopeID: "!room:example.org"}},
		{"extra fields ignored", `{"id":1,"guildId":"G","extra":true}`, SetServer{ScopeID: "G"}},
		{"unknown id", `{"id":7}`, InvalidID{}},
		{"negative id", `{"id":-1,"message":"x"}`, InvalidID{}},
		{"integral float id", `{"id":1.0,"guildId":"G"}`, SetServer{ScopeID: "G"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decode(tt.frame))
		})
	}
}

func TestDecodeInvalid(t *testing.T) {
	tests := []struct {
		name       string
		frame      string
		wantDetail string
	}{
		{"not json", `hello`, "invalid character"},
		{"truncated", `{"id":0,"name":"a"`, ""},
		{"empty", ``, ""},
		{"array", `[1,2]`, "expected a JSON object"},
		{"missing id", `{"name":"alpha"}`, `missing field "id"`},
		{"string id", `{"id":"0","name":"alpha"}`, `expected integer`},
		{"fractional id", `{"id":0.5}`, `expected integer`},
		{"missing name", `{"id":0}`, `missing field "name"`},
		{"wrong name type", `{"id":0,"name":5}`, "cannot unmarshal number"},
		{"missing guild", `{"id":1,"name":"x"}`, `missing field "guildId"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt := Decode(tt.frame)
			inv, ok := pkt.(Invalid)
			require.True(t, ok, "expected Invalid, got %#v", pkt)
			assert.NotEmpty(t, inv.Detail)
			if tt.wantDetail != "" {
				assert.Contains(t, inv.Detail, tt.wantDetail)
			}
		})
	}
}

func TestDecodeIsTotal(t *testing.T) {
	frames := []string{
		"", " ", "null", "0", `"x"`, "{}", `{"id":null}`, `{"id":true}`,
		`{"id":99999999999999999999}`, "\x00\xff", `{"id":0,"name":null}`,
		`{"id":1,"guildId":{}}`, `{"id":0}{"id":1}`,
	}
	for _, f := range frames {
		pkt := Decode(f)
		require.NotNil(t, pkt, "frame %q", f)
		switch p := pkt.(type) {
		case SetName, SetServer, InvalidID:
		case Invalid:
			assert.NotEmpty(t, p.Detail, "frame %q", f)
		default:
			t.Fatalf("unexpected packet %T for %q", pkt, f)
		}
	}
}

func TestEncodeError(t *testing.T) {
	t.Run("invalid id", func(t *testing.T) {
		b, err := Encode(InvalidIDError())
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":-1,"message":"Invalid packet ID","error":"PacketInvalidID"}`, string(b))
	})

	t.Run("deserialization", func(t *testing.T) {
		b, err := Encode(DeserializationError(`missing field "name"`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":-1,"message":"missing field \"name\"","error":"PacketDeserializationError"}`, string(b))
	})
}

func TestEncodeServerRun(t *testing.T) {
	t.Run("selector never on the wire", func(t *testing.T) {
		cmd := ServerCommand{
			Selector: "alpha",
			Run:      []string{"say hi"},
			Query:    []string{"players"},
			Set:      map[string]string{"motd": "hello"},
		}
		b, err := Encode(ServerRun{Command: cmd})
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":0,"exec":{"run":["say hi"],"query":["players"],"set":{"motd":"hello"}}}`, string(b))
		assert.NotContains(t, string(b), "alpha")
	})

	t.Run("nil fields encode empty", func(t *testing.T) {
		b, err := Encode(ServerRun{Command: ServerCommand{Selector: "x"}})
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":0,"exec":{"run":[],"query":[],"set":{}}}`, string(b))
	})

	t.Run("round trip on the agent side", func(t *testing.T) {
		cmd := ServerCommand{
			Selector: "lobby-.*",
			Run:      []string{"a", "b"},
			Query:    []string{},
			Set:      map[string]string{"k": "v", "k2": ""},
		}
		b, err := Encode(ServerRun{Command: cmd})
		require.NoError(t, err)

		frame, err := DecodeServerFrame(b)
		require.NoError(t, err)
		assert.Equal(t, 0, frame.ID)
		require.NotNil(t, frame.Exec)
		assert.Equal(t, cmd.Run, frame.Exec.Run)
		assert.Equal(t, cmd.Query, frame.Exec.Query)
		assert.Equal(t, cmd.Set, frame.Exec.Set)

		var raw map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(b, &raw))
		assert.NotContains(t, raw, "selector")
		assert.NotContains(t, raw, "on")
	})
}

func TestEncodeUnknown(t *testing.T) {
	_, err := Encode(nil)
	assert.ErrorIs(t, err, ErrUnknownPacket)
}

func TestDecodeServerFrame(t *testing.T) {
	f, err := DecodeServerFrame([]byte(`{"id":-1,"message":"Invalid packet ID","error":"PacketInvalidID"}`))
	require.NoError(t, err)
	assert.Equal(t, ErrorPacketInvalidID, f.Error)
	assert.Nil(t, f.Exec)

	_, err = DecodeServerFrame([]byte(`{"id":0}`))
	assert.Error(t, err)

	_, err = DecodeServerFrame([]byte(`{"id":4}`))
	assert.Error(t, err)
}

func TestAgentFrames(t *testing.T) {
	b, err := EncodeSetName("alpha")
	require.NoError(t, err)
	assert.Equal(t, SetName{Name: "alpha"}, Decode(string(b)))

	b, err = EncodeSetServer("G")
	require.NoError(t, err)
	assert.Equal(t, SetServer{ScopeID: "G"}, Decode(string(b)))
}

func TestParseCommand(t *testing.T) {
	t.Run("on key", func(t *testing.T) {
		cmd, err := ParseCommand("on: alpha\nrun:\n  - say hi\nset:\n  motd: hello\n")
		require.NoError(t, err)
		assert.Equal(t, "alpha", cmd.Selector)
		assert.Equal(t, []string{"say hi"}, cmd.Run)
		assert.Nil(t, cmd.Query)
		assert.Equal(t, map[string]string{"motd": "hello"}, cmd.Set)
	})

	t.Run("selector key", func(t *testing.T) {
		cmd, err := ParseCommand("selector: lobby-.*\nquery: [players]\n")
		require.NoError(t, err)
		assert.Equal(t, "lobby-.*", cmd.Selector)
		assert.Equal(t, []string{"players"}, cmd.Query)
	})

	t.Run("missing selector", func(t *testing.T) {
		_, err := ParseCommand("run: [x]\n")
		assert.ErrorIs(t, err, ErrMissingSelector)
	})

	t.Run("empty document", func(t *testing.T) {
		_, err := ParseCommand("")
		assert.ErrorIs(t, err, ErrMissingSelector)
	})

	t.Run("conflicting selectors", func(t *testing.T) {
		_, err := ParseCommand("on: a\nselector: b\n")
		assert.ErrorContains(t, err, "conflicting selectors")
	})

	t.Run("bad yaml", func(t *testing.T) {
		_, err := ParseCommand("on: [unclosed\n")
		assert.Error(t, err)
	})

	t.Run("wrong shape", func(t *testing.T) {
		_, err := ParseCommand("on: a\nrun: {x: y}\n")
		assert.Error(t, err)
	})
}
