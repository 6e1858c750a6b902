package aggregate

import (
	"encoding/json"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/sidecharge/orchestrator/internal/registry"
	"github.com/sidecharge/orchestrator/internal/storage"
)

func newTestAggregator(t *testing.T) (*Aggregator, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	agg, err := New(DefaultConfig(), db, registry.New(db))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return agg, db
}

func seedDevice(t *testing.T, db *storage.DB, shortID string) {
	t.Helper()
	if err := db.InsertDevice(&storage.Device{
		ShortID:    shortID,
		WirelessID: "uuid-" + shortID,
		Status:     storage.DeviceStatusActive,
		LastSeen:   time.Now(),
		CreatedAt:  time.Now(),
	}); err != nil {
		t.Fatalf("InsertDevice failed: %v", err)
	}
}

func seedTelemetry(t *testing.T, a *Aggregator, db *storage.DB, deviceID, ts string, sample map[string]interface{}) {
	t.Helper()
	data, _ := json.Marshal(sample)
	if err := db.InsertEvent(&storage.Event{
		DeviceID:    deviceID,
		TimestampMT: ts,
		EventType:   storage.EventTelemetry,
		TimeSource:  storage.TimeSourceDevice,
		Data:        string(data),
		ExpiresAt:   time.Now().Add(time.Hour).Unix(),
	}, a.loc); err != nil {
		t.Fatalf("InsertEvent failed: %v", err)
	}
}

func TestRunDateRollsUpDay(t *testing.T) {
	a, db := newTestAggregator(t)
	seedDevice(t, db, "SC-0A1B2C3D")

	seedTelemetry(t, a, db, "SC-0A1B2C3D", "2026-03-03 08:00:00.000", map[string]interface{}{
		"pilot_state": "C", "current_ma": 16000,
	})
	seedTelemetry(t, a, db, "SC-0A1B2C3D", "2026-03-03 08:15:00.000", map[string]interface{}{
		"pilot_state": "C", "current_ma": 32000,
	})
	seedTelemetry(t, a, db, "SC-0A1B2C3D", "2026-03-03 09:00:00.000", map[string]interface{}{
		"pilot_state": "A", "current_ma": 0, "fault_interlock": true,
	})
	// Previous day, must not count.
	seedTelemetry(t, a, db, "SC-0A1B2C3D", "2026-03-02 23:59:00.000", map[string]interface{}{
		"pilot_state": "C", "current_ma": 16000,
	})

	if err := a.RunDate("2026-03-03"); err != nil {
		t.Fatalf("RunDate failed: %v", err)
	}

	got, err := db.GetDailyAggregate("SC-0A1B2C3D", "2026-03-03")
	if err != nil || got == nil {
		t.Fatalf("GetDailyAggregate: %v %v", got, err)
	}

	if got.UplinkCount != 3 || got.ExpectedUplinks != 96 {
		t.Errorf("uplinks: got %d/%d", got.UplinkCount, got.ExpectedUplinks)
	}
	if got.ChargingSeconds != 1800 {
		t.Errorf("charging seconds: got %d, want 1800", got.ChargingSeconds)
	}
	// Two 15-minute charging samples at 16 A and 32 A on 240 V.
	wantWh := (16.0 + 32.0) * 240 * 900 / 3600
	if math.Abs(got.EnergyWh-wantWh) > 0.01 {
		t.Errorf("energy: got %.2f Wh, want %.2f Wh", got.EnergyWh, wantWh)
	}
	if got.FaultInterlock != 1 || got.FaultSensor != 0 {
		t.Errorf("faults: %+v", got)
	}
	if got.PeakCurrentMA != 32000 {
		t.Errorf("peak current: got %d", got.PeakCurrentMA)
	}
	wantPct := 3.0 / 96 * 100
	if math.Abs(got.AvailabilityPct-wantPct) > 0.01 {
		t.Errorf("availability: got %.3f, want %.3f", got.AvailabilityPct, wantPct)
	}
}

func TestRunDateIsIdempotent(t *testing.T) {
	a, db := newTestAggregator(t)
	seedDevice(t, db, "SC-0A1B2C3D")
	seedTelemetry(t, a, db, "SC-0A1B2C3D", "2026-03-03 08:00:00.000", map[string]interface{}{
		"pilot_state": "C", "current_ma": 16000,
	})

	if err := a.RunDate("2026-03-03"); err != nil {
		t.Fatalf("first RunDate failed: %v", err)
	}
	if err := a.RunDate("2026-03-03"); err != nil {
		t.Fatalf("second RunDate failed: %v", err)
	}

	got, _ := db.GetDailyAggregate("SC-0A1B2C3D", "2026-03-03")
	if got.UplinkCount != 1 || got.ChargingSeconds != 900 {
		t.Errorf("re-run changed totals: %+v", got)
	}
}

func TestTickRollsUpOncePerDay(t *testing.T) {
	a, db := newTestAggregator(t)
	seedDevice(t, db, "SC-0A1B2C3D")

	clock := time.Date(2026, 3, 4, 1, 0, 0, 0, a.loc)
	a.now = func() time.Time { return clock }

	seedTelemetry(t, a, db, "SC-0A1B2C3D", "2026-03-03 08:00:00.000", map[string]interface{}{
		"pilot_state": "C", "current_ma": 16000,
	})
	if err := a.tick(); err != nil {
		t.Fatalf("first tick failed: %v", err)
	}

	// A late arrival for the same day is not picked up until the next day.
	seedTelemetry(t, a, db, "SC-0A1B2C3D", "2026-03-03 09:00:00.000", map[string]interface{}{
		"pilot_state": "C", "current_ma": 16000,
	})
	if err := a.tick(); err != nil {
		t.Fatalf("second tick failed: %v", err)
	}

	got, _ := db.GetDailyAggregate("SC-0A1B2C3D", "2026-03-03")
	if got.UplinkCount != 1 {
		t.Errorf("same-day re-run happened: count %d", got.UplinkCount)
	}

	if got.ChargingSeconds != 900 {
		t.Errorf("charging seconds: got %d", got.ChargingSeconds)
	}
}

func TestRunDateRejectsBadDate(t *testing.T) {
	a, _ := newTestAggregator(t)
	if err := a.RunDate("03/03/2026"); err == nil {
		t.Error("expected error for malformed date")
	}
}
