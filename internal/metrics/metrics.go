// Package metrics holds the prometheus collectors for link hunting.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Hunt outcomes.
const (
	OutcomeFound    = "found"
	OutcomeNotFound = "not_found"
	OutcomeAborted  = "aborted"
)

// Folder search results.
const (
	FolderMatch   = "match"
	FolderNoMatch = "no_match"
	FolderMissing = "missing"
	FolderError   = "error"
)

// Metrics records hunt activity. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	hunts            *prometheus.CounterVec
	attempts         prometheus.Counter
	folderSearches   *prometheus.CounterVec
	sessionsOpened   prometheus.Counter
	sessionsReleased prometheus.Counter
	huntDuration     prometheus.Histogram
}

// New registers the collectors on reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		hunts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailverify_hunts_total",
			Help: "Total number of link hunts by outcome",
		}, []string{"outcome"}),
		attempts: f.NewCounter(prometheus.CounterOpts{
			Name: "mailverify_attempts_total",
			Help: "Total number of passes over the configured folders",
		}),
		folderSearches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailverify_folder_searches_total",
			Help: "Total number of folder searches by result",
		}, []string{"result"}),
		sessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "mailverify_sessions_opened_total",
			Help: "Total number of mailbox sessions opened",
		}),
		sessionsReleased: f.NewCounter(prometheus.CounterOpts{
			Name: "mailverify_sessions_released_total",
			Help: "Total number of mailbox sessions released",
		}),
		huntDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailverify_hunt_duration_seconds",
			Help:    "Wall time of a link hunt including waits",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		}),
	}
}

// HuntDone records a finished hunt.
func (m *Metrics) HuntDone(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.hunts.WithLabelValues(outcome).Inc()
	m.huntDuration.Observe(elapsed.Seconds())
}

// Attempt records the start of one pass over the folders.
func (m *Metrics) Attempt() {
	if m == nil {
		return
	}
	m.attempts.Inc()
}

// FolderSearched records one folder search result.
func (m *Metrics) FolderSearched(result string) {
	if m == nil {
		return
	}
	m.folderSearches.WithLabelValues(result).Inc()
}

// SessionOpened records a successful session open.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
}

// SessionReleased records a session release.
func (m *Metrics) SessionReleased() {
	if m == nil {
		return
	}
	m.sessionsReleased.Inc()
}
