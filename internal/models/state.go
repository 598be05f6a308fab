package models

import (
	"sync"
	"time"
)

// Tier is the market-cap class an alert was evaluated under.
type Tier string

const (
	TierSmall Tier = "small"
	TierLarge Tier = "large"
)

// AlertEvent is a triggered alert for one instrument. It is consumed once by the dispatcher.
type AlertEvent struct {
	Symbol       string
	FundingRate  *float64
	OIRatio      *float64
	OpenInterest float64
	MarketCap    *float64
	Tier         Tier
	DetectedAt   time.Time
}

// MonitorState holds process-lifetime counters. Safe for concurrent use.
type MonitorState struct {
	mu sync.Mutex

	startedAt         time.Time
	collectionSuccess int
	collectionErrors  int
	alertsFound       int
	alertsSent        int
	lastRetention     time.Time
	trackedSymbols    int
}

// StateSnapshot is a copy of MonitorState taken at one instant.
type StateSnapshot struct {
	StartedAt         time.Time
	CollectionSuccess int
	CollectionErrors  int
	AlertsFound       int
	AlertsSent        int
	LastRetention     time.Time
	TrackedSymbols    int
}

func NewMonitorState(startedAt time.Time) *MonitorState {
	return &MonitorState{startedAt: startedAt}
}

func (s *MonitorState) RecordCollection(success, errors int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collectionSuccess += success
	s.collectionErrors += errors
}

func (s *MonitorState) RecordAlerts(found, sent int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alertsFound += found
	s.alertsSent += sent
}

func (s *MonitorState) RecordRetention(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRetention = at
}

func (s *MonitorState) SetTrackedSymbols(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trackedSymbols = n
}

// Snapshot returns a consistent copy of the counters.
func (s *MonitorState) Snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StateSnapshot{
		StartedAt:         s.startedAt,
		CollectionSuccess: s.collectionSuccess,
		CollectionErrors:  s.collectionErrors,
		AlertsFound:       s.alertsFound,
		AlertsSent:        s.alertsSent,
		LastRetention:     s.lastRetention,
		TrackedSymbols:    s.trackedSymbols,
	}
}

// Uptime returns the time elapsed since the process started.
func (s StateSnapshot) Uptime(now time.Time) time.Duration {
	return now.Sub(s.StartedAt)
}
