// ABOUTME: Chat message parsing and reply formatting for the Matrix bridge
// ABOUTME: Extracts fenced yaml command blocks with goldmark and renders replies to HTML

package matrix

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/text"
)

// The parser configuration never changes; goldmark creates per-call state
// in Parse and Convert.
var (
	markdownOnce     sync.Once
	markdownInstance goldmark.Markdown
)

func markdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownInstance = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		)
	})
	return markdownInstance
}

// ExtractCommands returns the body of every fenced code block tagged yaml or
// yml, in message order.
func ExtractCommands(body string) []string {
	source := []byte(body)
	doc := markdown().Parser().Parse(text.NewReader(source))

	var blocks []string
	_ = ast.Walk(doc, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		block, ok := node.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		switch strings.ToLower(string(block.Language(source))) {
		case "yaml", "yml":
		default:
			return ast.WalkSkipChildren, nil
		}

		var code strings.Builder
		lines := block.Lines()
		for i := 0; i < lines.Len(); i++ {
			segment := lines.At(i)
			code.Write(segment.Value(source))
		}
		blocks = append(blocks, code.String())
		return ast.WalkSkipChildren, nil
	})
	return blocks
}

// RenderHTML converts a markdown reply to the HTML sent as formatted_body.
func RenderHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := markdown().Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// FormatAgentList renders the reply to the list command.
func FormatAgentList(agents []Agent) string {
	if len(agents) == 0 {
		return "**Active Servers**\n\nNo servers are connected to this room."
	}

	var b strings.Builder
	if len(agents) == 1 {
		b.WriteString("**Active Server**\n\n")
	} else {
		fmt.Fprintf(&b, "**Active Servers** (%d)\n\n", len(agents))
	}
	b.WriteString("| Name | ID |\n|---|---|\n")
	for _, a := range agents {
		name := a.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(&b, "| %s | `%s` |\n", escapeCell(name), a.ID)
	}
	return b.String()
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

// FormatOutcome renders the result of one dispatch.
func FormatOutcome(out Outcome) string {
	if out.NoMatch {
		return fmt.Sprintf("no agents matched `%s`", out.Selector)
	}
	if len(out.Failures) == 0 {
		return fmt.Sprintf("✅ delivered to %d of %d agents", out.Delivered, out.Matched)
	}
	return fmt.Sprintf("delivered to %d of %d agents (%d failed)",
		out.Delivered, out.Matched, len(out.Failures))
}

// FormatCommandError renders a command that could not be parsed or sent.
func FormatCommandError(err error) string {
	return fmt.Sprintf(":x: Error running command: \n```\n%s\n```", err)
}

// FormatAgentOnline renders the announcement posted when an agent identifies.
func FormatAgentOnline(name string) string {
	return fmt.Sprintf("Server online: **%s**", name)
}
