package session

// Metrics is a thread-safe read-only view of key engine runtime signals.
// It is updated from the loop goroutine and read from HTTP handlers/tests.
type Metrics struct {
	Phase Phase `json:"phase"`

	RosterSize      int `json:"roster_size"`
	TrackedLive     int `json:"tracked_live"`
	TrackedResolved int `json:"tracked_resolved"`

	EventsApplied uint64 `json:"events_applied"`
	EventsDropped uint64 `json:"events_dropped"`

	QueueDepth    int `json:"queue_depth"`
	QueueCapacity int `json:"queue_capacity"`

	Observers int `json:"observers"`
}

// HealthStats reports the enrichment pipeline backlog alongside the metrics.
type HealthStats struct {
	EnrichmentQueueDepth int  `json:"enrichment_queue_depth"`
	IsEnriching          bool `json:"is_enriching"`
}

func (e *Engine) Metrics() Metrics {
	if e == nil {
		return Metrics{}
	}
	m, _ := e.metrics.Load().(Metrics)
	// Counters and queue depth move on dropped events too, which never
	// publish; read them live instead of from the stored struct.
	m.EventsApplied = e.applied.Load()
	m.EventsDropped = e.dropped.Load()
	m.QueueDepth = len(e.events)
	m.QueueCapacity = cap(e.events)
	return m
}

func (e *Engine) Health() HealthStats {
	if e == nil || e.cfg.Enrichment == nil {
		return HealthStats{}
	}
	depth, active := e.cfg.Enrichment.EnrichmentStats()
	return HealthStats{EnrichmentQueueDepth: depth, IsEnriching: active}
}
