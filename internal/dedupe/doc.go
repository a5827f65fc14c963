// Package dedupe suppresses repeated delivery of the same chat event.
//
// Matrix sync can hand the bridge an event more than once (reconnects,
// overlapping sync windows). A Window remembers event IDs for a fixed TTL,
// bounded by a maximum size, and reports whether an ID was already seen.
package dedupe
