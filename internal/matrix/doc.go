// Package matrix is the Matrix control plane for ferry-gateway.
//
// Each Matrix room is a scope: agents join it by sending the room ID as
// their server ID. In an allowed room the bridge handles two kinds of
// message:
//
//   - the list command (default /list) replies with the agents in the room
//   - a fenced yaml block is parsed as a command and dispatched
//
// A command block names its targets with on (or selector):
//
//	```yaml
//	on: lobby-.*
//	run:
//	  - say restarting in 5 minutes
//	```
//
// The bridge also follows the gateway event stream and posts
// "Server online" into a room when an agent finishes identifying there.
//
// Configuration is TOML, loaded from FERRY_MATRIX_CONFIG or
// ~/.config/ferry/matrix-bridge.toml. See Config.
package matrix
