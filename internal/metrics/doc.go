// Package metrics exposes Prometheus counters and gauges for the gateway.
package metrics
