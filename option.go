package dhalway

import (
	"time"

	"github.com/derek2403/dhal-way/logger"
	"github.com/derek2403/dhal-way/metrics"
	"github.com/derek2403/dhal-way/registry"
	"github.com/derek2403/dhal-way/session"
	"github.com/derek2403/dhal-way/settlement"
)

type Option func(*Dhalway)

func WithLogger(l logger.Logger) Option {
	return func(d *Dhalway) {
		d.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(d *Dhalway) {
		d.metrics = r
	}
}

func WithTimeout(t time.Duration) Option {
	return func(d *Dhalway) {
		d.timeout = t
	}
}

// WithRegistry replaces the default chain registry, letting callers point
// the library at other deployments.
func WithRegistry(reg *registry.Registry) Option {
	return func(d *Dhalway) {
		d.registry = reg
	}
}

// WithSessionStore replaces the in-memory session store, e.g. with a
// FileStore so grants survive restarts.
func WithSessionStore(store session.Store) Option {
	return func(d *Dhalway) {
		d.store = store
	}
}

// WithDeliveryTracker switches the settlement waiting phase from a fixed
// pause to bridge-delivery polling.
func WithDeliveryTracker(t settlement.DeliveryTracker) Option {
	return func(d *Dhalway) {
		d.tracker = t
	}
}
