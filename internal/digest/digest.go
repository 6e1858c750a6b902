// Package digest builds the daily fleet health summary: offline
// devices, recent faults, and the app version spread. The rendered text
// goes to a pluggable publisher; the default just logs it.
package digest

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sidecharge/orchestrator/internal/registry"
	"github.com/sidecharge/orchestrator/internal/storage"
)

// Publisher delivers a rendered digest somewhere operators read
type Publisher interface {
	Publish(subject, body string) error
}

// LogPublisher writes the digest to the process log
type LogPublisher struct{}

// Publish logs the digest
func (LogPublisher) Publish(subject, body string) error {
	log.Printf("[digest] %s\n%s", subject, body)
	return nil
}

// Config holds digest configuration
type Config struct {
	CheckInterval time.Duration // How often the runner looks for a new day
	Heartbeat     time.Duration // Expected device report cadence
	FaultWindow   time.Duration // How far back the fault scan looks
	Timezone      string
}

// DefaultConfig returns default digest configuration
func DefaultConfig() Config {
	return Config{
		CheckInterval: time.Hour,
		Heartbeat:     15 * time.Minute,
		FaultWindow:   24 * time.Hour,
		Timezone:      "America/Denver",
	}
}

// Digest produces the daily fleet summary
type Digest struct {
	config    Config
	db        *storage.DB
	registry  *registry.Registry
	publisher Publisher
	loc       *time.Location

	stopChan chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	lastDate string

	now func() time.Time
}

// New creates a digest runner. A nil publisher falls back to logging.
func New(config Config, db *storage.DB, reg *registry.Registry, pub Publisher) (*Digest, error) {
	loc, err := time.LoadLocation(config.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %s: %w", config.Timezone, err)
	}
	if pub == nil {
		pub = LogPublisher{}
	}
	return &Digest{
		config:    config,
		db:        db,
		registry:  reg,
		publisher: pub,
		loc:       loc,
		stopChan:  make(chan struct{}),
		now:       time.Now,
	}, nil
}

// Start begins the daily digest loop
func (d *Digest) Start() error {
	d.wg.Add(1)
	go d.run()
	log.Printf("[digest] Started: check=%v, heartbeat=%v", d.config.CheckInterval, d.config.Heartbeat)
	return nil
}

// Stop halts the digest loop
func (d *Digest) Stop() error {
	close(d.stopChan)
	d.wg.Wait()
	return nil
}

func (d *Digest) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopChan:
			return
		case <-ticker.C:
			date := d.now().In(d.loc).Format("2006-01-02")
			d.mu.Lock()
			done := d.lastDate == date
			d.mu.Unlock()
			if done {
				continue
			}
			if err := d.Run(); err != nil {
				log.Printf("[digest] Run failed: %v", err)
				continue
			}
			d.mu.Lock()
			d.lastDate = date
			d.mu.Unlock()
		}
	}
}

// Run builds and publishes one digest
func (d *Digest) Run() error {
	subject, body, err := d.Build()
	if err != nil {
		return err
	}
	return d.publisher.Publish(subject, body)
}

// faultCounts tracks per-device fault totals over the scan window
type faultCounts struct {
	Sensor, Clamp, Interlock, Selftest int
}

func (f faultCounts) total() int {
	return f.Sensor + f.Clamp + f.Interlock + f.Selftest
}

func (f faultCounts) String() string {
	var parts []string
	if f.Sensor > 0 {
		parts = append(parts, fmt.Sprintf("sensor x%d", f.Sensor))
	}
	if f.Clamp > 0 {
		parts = append(parts, fmt.Sprintf("clamp x%d", f.Clamp))
	}
	if f.Interlock > 0 {
		parts = append(parts, fmt.Sprintf("interlock x%d", f.Interlock))
	}
	if f.Selftest > 0 {
		parts = append(parts, fmt.Sprintf("selftest x%d", f.Selftest))
	}
	return strings.Join(parts, ", ")
}

// Build renders the digest without publishing it
func (d *Digest) Build() (subject, body string, err error) {
	now := d.now()
	devices, err := d.registry.ActiveDevices()
	if err != nil {
		return "", "", err
	}

	offlineAfter := 2 * d.config.Heartbeat
	fromMT := storage.TimestampMT(now.Add(-d.config.FaultWindow), d.loc)
	toMT := storage.TimestampMT(now.Add(time.Hour), d.loc)

	var offline []*storage.Device
	faults := make(map[string]faultCounts)
	versions := make(map[int]int)

	for _, dev := range devices {
		versions[dev.AppVersion]++
		if now.Sub(dev.LastSeen) > offlineAfter {
			offline = append(offline, dev)
		}

		events, err := d.db.EventsForDeviceByType(dev.ShortID, storage.EventTelemetry, fromMT, toMT)
		if err != nil {
			return "", "", err
		}
		var fc faultCounts
		for _, e := range events {
			var s struct {
				FaultSensor    bool `json:"fault_sensor"`
				FaultClamp     bool `json:"fault_clamp"`
				FaultInterlock bool `json:"fault_interlock"`
				FaultSelftest  bool `json:"fault_selftest"`
			}
			if json.Unmarshal([]byte(e.Data), &s) != nil {
				continue
			}
			if s.FaultSensor {
				fc.Sensor++
			}
			if s.FaultClamp {
				fc.Clamp++
			}
			if s.FaultInterlock {
				fc.Interlock++
			}
			if s.FaultSelftest {
				fc.Selftest++
			}
		}
		if fc.total() > 0 {
			faults[dev.ShortID] = fc
		}
	}

	date := now.In(d.loc).Format("2006-01-02")
	subject = fmt.Sprintf("SideCharge fleet digest %s: %d active, %d offline, %d with faults",
		date, len(devices), len(offline), len(faults))

	var b strings.Builder
	fmt.Fprintf(&b, "Fleet digest for %s\n", date)
	fmt.Fprintf(&b, "Active devices: %d\n", len(devices))

	fmt.Fprintf(&b, "\nOffline (no uplink in %v): %d\n", offlineAfter, len(offline))
	for _, dev := range offline {
		fmt.Fprintf(&b, "  %s last seen %s\n", dev.ShortID, dev.LastSeen.In(d.loc).Format(time.RFC3339))
	}

	fmt.Fprintf(&b, "\nFaults (last %v): %d devices\n", d.config.FaultWindow, len(faults))
	for _, id := range sortedKeys(faults) {
		fmt.Fprintf(&b, "  %s: %s\n", id, faults[id])
	}

	b.WriteString("\nApp versions:\n")
	for _, v := range sortedVersions(versions) {
		fmt.Fprintf(&b, "  v%d: %d\n", v, versions[v])
	}

	return subject, b.String(), nil
}

func sortedKeys(m map[string]faultCounts) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedVersions(m map[int]int) []int {
	versions := make([]int, 0, len(m))
	for v := range m {
		versions = append(versions, v)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(versions)))
	return versions
}
