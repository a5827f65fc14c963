// ABOUTME: ServerCommand, the operator-authored command document.
// ABOUTME: Parses YAML documents that address agents by selector.

package packet

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ServerCommand is a command addressed to the agents whose names match
// Selector. The selector is routing metadata and is never serialized to
// agents.
type ServerCommand struct {
	Selector string            `json:"-" yaml:"selector"`
	Run      []string          `json:"run" yaml:"run"`
	Query    []string          `json:"query" yaml:"query"`
	Set      map[string]string `json:"set" yaml:"set"`
}

// ErrMissingSelector is returned when a command document names no agents.
var ErrMissingSelector = errors.New("missing field `on` (or `selector`)")

type commandDocument struct {
	Selector string            `yaml:"selector"`
	On       string            `yaml:"on"`
	Run      []string          `yaml:"run"`
	Query    []string          `yaml:"query"`
	Set      map[string]string `yaml:"set"`
}

// UnmarshalYAML accepts both `selector` and the shorter `on` key.
func (c *ServerCommand) UnmarshalYAML(node *yaml.Node) error {
	var doc commandDocument
	if err := node.Decode(&doc); err != nil {
		return err
	}
	if doc.Selector != "" && doc.On != "" && doc.Selector != doc.On {
		return fmt.Errorf("conflicting selectors: on=%q selector=%q", doc.On, doc.Selector)
	}

	sel := doc.Selector
	if sel == "" {
		sel = doc.On
	}
	*c = ServerCommand{Selector: sel, Run: doc.Run, Query: doc.Query, Set: doc.Set}
	return nil
}

// ParseCommand decodes a YAML command document, for example:
//
//	on: lobby-.*
//	run:
//	  - say restarting in 5 minutes
//	set:
//	  motd: maintenance
func ParseCommand(doc string) (ServerCommand, error) {
	var cmd ServerCommand
	if err := yaml.Unmarshal([]byte(doc), &cmd); err != nil {
		return ServerCommand{}, err
	}
	if cmd.Selector == "" {
		return ServerCommand{}, ErrMissingSelector
	}
	return cmd, nil
}
