// Package events fans out agent lifecycle notifications (online, offline,
// protocol errors) to in-process subscribers such as the SSE endpoint.
package events
