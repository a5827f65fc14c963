// Package relay turns an operator's command into deliveries.
//
// Dispatch resolves the command's selector inside one scope and enqueues a
// ServerRun to every matching agent. A selector is an RE2 pattern that must
// match the whole agent name ("beta" never selects "alphabeta"). A selector
// that is not a valid pattern, or that starts with "=", names exactly one
// agent. Deliveries run concurrently, each bounded by the enqueue timeout;
// failures are collected per connection id and never abort the rest.
package relay
