package models

import (
	"testing"
	"time"
)

func TestSnapshotValidate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		snapshot Snapshot
		wantErr  bool
	}{
		{
			name:     "valid snapshot",
			snapshot: Snapshot{Symbol: "BTCUSDT", Timestamp: now, MarkPrice: 65000, OpenInterest: 1200},
			wantErr:  false,
		},
		{
			name:     "empty symbol",
			snapshot: Snapshot{Timestamp: now},
			wantErr:  true,
		},
		{
			name:     "zero timestamp",
			snapshot: Snapshot{Symbol: "BTCUSDT"},
			wantErr:  true,
		},
		{
			name:     "negative open interest",
			snapshot: Snapshot{Symbol: "BTCUSDT", Timestamp: now, OpenInterest: -1},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.snapshot.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Snapshot.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSnapshotPresence(t *testing.T) {
	s := NewSnapshot("ETHUSDT", time.Now())
	if _, ok := s.Value(FieldFundingRate); ok {
		t.Fatal("new snapshot should report funding rate as missing")
	}

	s.Set(FieldFundingRate, 0)
	v, ok := s.Value(FieldFundingRate)
	if !ok || v != 0 {
		t.Errorf("expected a present zero funding rate, got %v (present=%v)", v, ok)
	}
	if s.Has(FieldOpenInterest) {
		t.Error("open interest should still be missing")
	}

	s.Set(FieldNextFundingTime, 1700000000000)
	if s.NextFundingTime != 1700000000000 {
		t.Errorf("next funding time = %d", s.NextFundingTime)
	}
}

func TestFieldByColumn(t *testing.T) {
	for _, f := range AllFields() {
		got, ok := FieldByColumn(f.Column())
		if !ok || got != f {
			t.Errorf("FieldByColumn(%q) = %v, %v", f.Column(), got, ok)
		}
	}
	if _, ok := FieldByColumn("timestamp"); ok {
		t.Error("timestamp is not a metric field")
	}
}

func TestMonitorStateCounters(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st := NewMonitorState(start)
	st.RecordCollection(10, 2)
	st.RecordCollection(5, 1)
	st.RecordAlerts(3, 2)
	st.RecordRetention(start.Add(time.Hour))
	st.SetTrackedSymbols(42)

	snap := st.Snapshot()
	if snap.CollectionSuccess != 15 || snap.CollectionErrors != 3 {
		t.Errorf("collection counters = %d/%d", snap.CollectionSuccess, snap.CollectionErrors)
	}
	if snap.AlertsFound != 3 || snap.AlertsSent != 2 {
		t.Errorf("alert counters = %d/%d", snap.AlertsFound, snap.AlertsSent)
	}
	if snap.TrackedSymbols != 42 {
		t.Errorf("tracked = %d", snap.TrackedSymbols)
	}
	if got := snap.Uptime(start.Add(90 * time.Minute)); got != 90*time.Minute {
		t.Errorf("uptime = %v", got)
	}
}
