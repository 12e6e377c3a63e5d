package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meowserv_events_processed_total",
		Help: "Events that received a verdict from the validation pipeline",
	}, []string{"status"})
	stateResolutions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meowserv_state_resolutions_total",
		Help: "State resolutions across more than one branch",
	})
	eventsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meowserv_missing_events_fetched_total",
		Help: "Events fetched from remote servers to fill graph gaps",
	})
)
