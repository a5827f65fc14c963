// ABOUTME: Tests for yaml block extraction and reply formatting
// ABOUTME: Exercises the goldmark AST walk and markdown to HTML rendering

package matrix

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractCommands(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "single block",
			body: "```yaml\non: lobby\nrun:\n  - say hi\n```",
			want: []string{"on: lobby\nrun:\n  - say hi\n"},
		},
		{
			name: "yml tag and surrounding text",
			body: "restart these please\n\n```yml\non: srv-.*\nrun: [restart]\n```\n\nthanks",
			want: []string{"on: srv-.*\nrun: [restart]\n"},
		},
		{
			name: "two blocks in order",
			body: "```yaml\non: a\n```\n\n```yaml\non: b\n```",
			want: []string{"on: a\n", "on: b\n"},
		},
		{
			name: "other languages ignored",
			body: "```json\n{\"on\": \"a\"}\n```\n\n```\non: b\n```",
			want: nil,
		},
		{
			name: "upper case tag",
			body: "```YAML\non: a\n```",
			want: []string{"on: a\n"},
		},
		{
			name: "plain text",
			body: "hello there",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractCommands(tt.body))
		})
	}
}

func TestRenderHTML(t *testing.T) {
	html, err := RenderHTML("no agents matched `lobby`")
	require.NoError(t, err)
	assert.Equal(t, "<p>no agents matched <code>lobby</code></p>", html)

	html, err = RenderHTML(FormatAgentList([]Agent{{ID: "id-1", Name: "alpha"}, {ID: "id-2", Name: "beta"}}))
	require.NoError(t, err)
	assert.Contains(t, html, "<table>")
	assert.Contains(t, html, "<td>alpha</td>")
	assert.Contains(t, html, "<code>id-2</code>")
}

func TestFormatAgentList(t *testing.T) {
	assert.Contains(t, FormatAgentList(nil), "No servers are connected")

	one := FormatAgentList([]Agent{{ID: "id-1", Name: "alpha"}})
	assert.Contains(t, one, "**Active Server**")
	assert.Contains(t, one, "| alpha | `id-1` |")

	many := FormatAgentList([]Agent{{ID: "id-1", Name: "a|b"}, {ID: "id-2"}})
	assert.Contains(t, many, "**Active Servers** (2)")
	assert.Contains(t, many, `a\|b`)
	assert.Contains(t, many, "(unnamed)")
}

func TestFormatOutcome(t *testing.T) {
	assert.Equal(t, "no agents matched `lobby`",
		FormatOutcome(Outcome{Selector: "lobby", NoMatch: true}))
	assert.Equal(t, "✅ delivered to 2 of 2 agents",
		FormatOutcome(Outcome{Selector: "lobby", Matched: 2, Delivered: 2}))
	assert.Equal(t, "delivered to 1 of 3 agents (2 failed)",
		FormatOutcome(Outcome{Selector: "lobby", Matched: 3, Delivered: 1, Failures: []string{"x", "y"}}))
}

func TestFormatCommandError(t *testing.T) {
	got := FormatCommandError(errors.New("missing field `on` (or `selector`)"))
	assert.Equal(t, ":x: Error running command: \n```\nmissing field `on` (or `selector`)\n```", got)
}
