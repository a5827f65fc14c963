// Package config handles configuration loading for ferry-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML file layered over Default, with
// environment variable expansion and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from FERRY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/ferry/gateway.yaml
//  3. ~/.config/ferry/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  sweep_interval: "10s"
//	  enqueue_timeout: "5s"
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  agent_path: "/ws"
//
//	database:
//	  path: "/var/lib/ferry/ledger.db"   # empty disables the ledger
//
//	agents:
//	  sweep_interval: "10s"
//	  mailbox_size: 16
//	  enqueue_timeout: "5s"
//	  allowed_origins: []
//
//	logging:
//	  level: "info"     # debug, info, warn, error
//	  format: "text"    # text or json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
