// Package aggregate rolls the raw event log up into per-device daily
// statistics: uplink availability, charging time, an energy estimate,
// and fault counts. The roll-up runs once per day for the previous
// local day and can be re-run for any date to backfill.
package aggregate

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sidecharge/orchestrator/internal/registry"
	"github.com/sidecharge/orchestrator/internal/storage"
)

// Config holds aggregator configuration
type Config struct {
	CheckInterval   time.Duration // How often the runner looks for a new day
	ReportCadence   time.Duration // Device telemetry interval
	LineVoltage     float64       // Assumed charging voltage for the energy estimate
	RetentionPeriod time.Duration // Aggregate row TTL
	Timezone        string
}

// DefaultConfig returns default aggregator configuration
func DefaultConfig() Config {
	return Config{
		CheckInterval:   time.Hour,
		ReportCadence:   15 * time.Minute,
		LineVoltage:     240,
		RetentionPeriod: 3 * 365 * 24 * time.Hour,
		Timezone:        "America/Denver",
	}
}

// Aggregator computes daily roll-ups and purges expired event rows
type Aggregator struct {
	config   Config
	db       *storage.DB
	registry *registry.Registry
	loc      *time.Location

	stopChan chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	lastDate string // Last date rolled up, YYYY-MM-DD

	now func() time.Time
}

// New creates an aggregator
func New(config Config, db *storage.DB, reg *registry.Registry) (*Aggregator, error) {
	loc, err := time.LoadLocation(config.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %s: %w", config.Timezone, err)
	}
	return &Aggregator{
		config:   config,
		db:       db,
		registry: reg,
		loc:      loc,
		stopChan: make(chan struct{}),
		now:      time.Now,
	}, nil
}

// Start begins the daily roll-up loop
func (a *Aggregator) Start() error {
	a.wg.Add(1)
	go a.run()
	log.Printf("[aggregate] Started: check=%v, cadence=%v, tz=%s",
		a.config.CheckInterval, a.config.ReportCadence, a.config.Timezone)
	return nil
}

// Stop halts the roll-up loop
func (a *Aggregator) Stop() error {
	close(a.stopChan)
	a.wg.Wait()
	return nil
}

func (a *Aggregator) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
			if err := a.tick(); err != nil {
				log.Printf("[aggregate] Roll-up failed: %v", err)
			}
		}
	}
}

// tick rolls up the previous local day, once per day
func (a *Aggregator) tick() error {
	date := a.now().In(a.loc).AddDate(0, 0, -1).Format("2006-01-02")

	a.mu.Lock()
	done := a.lastDate == date
	a.mu.Unlock()
	if done {
		return nil
	}

	if err := a.RunDate(date); err != nil {
		return err
	}
	a.mu.Lock()
	a.lastDate = date
	a.mu.Unlock()

	purged, err := a.db.PurgeExpiredEvents(a.now())
	if err != nil {
		return err
	}
	if purged > 0 {
		log.Printf("[aggregate] Purged %d expired event rows", purged)
	}
	return nil
}

// RunDate rolls up one local day for every active device. Re-running a
// date overwrites the existing rows, which is what backfill wants.
func (a *Aggregator) RunDate(date string) error {
	day, err := time.ParseInLocation("2006-01-02", date, a.loc)
	if err != nil {
		return fmt.Errorf("bad roll-up date %q: %w", date, err)
	}

	devices, err := a.registry.ActiveDevices()
	if err != nil {
		return err
	}

	fromMT := storage.TimestampMT(day, a.loc)
	toMT := storage.TimestampMT(day.AddDate(0, 0, 1), a.loc)
	expires := a.now().Add(a.config.RetentionPeriod).Unix()

	for _, dev := range devices {
		agg, err := a.rollup(dev.ShortID, date, fromMT, toMT)
		if err != nil {
			log.Printf("[aggregate] Roll-up for %s on %s failed: %v", dev.ShortID, date, err)
			continue
		}
		agg.ExpiresAt = expires
		if err := a.db.UpsertDailyAggregate(agg); err != nil {
			return err
		}
	}

	log.Printf("[aggregate] Rolled up %s for %d devices", date, len(devices))
	return nil
}

// telemetrySample is the subset of the event payload the roll-up reads
type telemetrySample struct {
	PilotState     string  `json:"pilot_state"`
	CurrentMA      float64 `json:"current_ma"`
	FaultSensor    bool    `json:"fault_sensor"`
	FaultClamp     bool    `json:"fault_clamp"`
	FaultInterlock bool    `json:"fault_interlock"`
	FaultSelftest  bool    `json:"fault_selftest"`
}

func (a *Aggregator) rollup(deviceID, date, fromMT, toMT string) (*storage.DailyAggregate, error) {
	events, err := a.db.EventsForDeviceByType(deviceID, storage.EventTelemetry, fromMT, toMT)
	if err != nil {
		return nil, err
	}

	cadence := a.config.ReportCadence.Seconds()
	expected := int(24 * time.Hour / a.config.ReportCadence)

	agg := &storage.DailyAggregate{
		DeviceID:        deviceID,
		Date:            date,
		UplinkCount:     len(events),
		ExpectedUplinks: expected,
	}

	for _, e := range events {
		var s telemetrySample
		if err := json.Unmarshal([]byte(e.Data), &s); err != nil {
			log.Printf("[aggregate] Skipping unparseable event for %s at %s: %v", deviceID, e.TimestampMT, err)
			continue
		}

		if s.PilotState == "C" {
			// Each sample stands in for one report interval of charging.
			agg.ChargingSeconds += int64(cadence)
			agg.EnergyWh += s.CurrentMA / 1000 * a.config.LineVoltage * cadence / 3600
		}
		if s.FaultSensor {
			agg.FaultSensor++
		}
		if s.FaultClamp {
			agg.FaultClamp++
		}
		if s.FaultInterlock {
			agg.FaultInterlock++
		}
		if s.FaultSelftest {
			agg.FaultSelftest++
		}
		if ma := int(s.CurrentMA); ma > agg.PeakCurrentMA {
			agg.PeakCurrentMA = ma
		}
	}

	if expected > 0 {
		pct := float64(agg.UplinkCount) / float64(expected) * 100
		if pct > 100 {
			pct = 100
		}
		agg.AvailabilityPct = pct
	}
	return agg, nil
}
