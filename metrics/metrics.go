// Package metrics counts settlement and session events. The executor records
// per-chain step outcomes, ordering-conflict retries, and whole-run latency,
// labeled by network.
package metrics

import "time"

// Recorder receives settlement events. NoopRecorder is the default; the
// prometheus implementation is enabled via Config.EnableMetrics.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}
