package engine

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sidecharge/orchestrator/internal/protocol"
	"github.com/sidecharge/orchestrator/internal/registry"
	"github.com/sidecharge/orchestrator/internal/storage"
	"github.com/sidecharge/orchestrator/internal/tasks"
	"github.com/sidecharge/orchestrator/internal/transport"
)

type mockTransport struct {
	mu        sync.Mutex
	downlinks [][]byte
	handler   func(*transport.UplinkMessage)
}

func (m *mockTransport) Start(ctx context.Context) error { return nil }
func (m *mockTransport) Stop() error                     { return nil }

func (m *mockTransport) SetUplinkHandler(cb func(*transport.UplinkMessage)) {
	m.mu.Lock()
	m.handler = cb
	m.mu.Unlock()
}

func (m *mockTransport) SendDownlink(ctx context.Context, wirelessID string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downlinks = append(m.downlinks, append([]byte{}, payload...))
	return nil
}

func (m *mockTransport) sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte{}, m.downlinks...)
}

type mockScheduler struct {
	mu     sync.Mutex
	forced []string
}

func (m *mockScheduler) ForceDevice(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forced = append(m.forced, deviceID)
	return nil
}

func (m *mockScheduler) forcedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.forced)
}

type mockOTA struct {
	mu        sync.Mutex
	acks      []protocol.OTAAck
	completes []protocol.OTAComplete
	statuses  []protocol.OTAStatus
}

func (m *mockOTA) HandleAck(ctx context.Context, dev *storage.Device, ack protocol.OTAAck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks = append(m.acks, ack)
	return nil
}

func (m *mockOTA) HandleComplete(ctx context.Context, dev *storage.Device, comp protocol.OTAComplete) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completes = append(m.completes, comp)
	return nil
}

func (m *mockOTA) HandleStatus(dev *storage.Device, st protocol.OTAStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, st)
	return nil
}

type fixture struct {
	db       *storage.DB
	tr       *mockTransport
	sched    *mockScheduler
	ota      *mockOTA
	engine   *Engine
	wireless string
	deviceID string
	loc      *time.Location
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	tr := &mockTransport{}
	sched := &mockScheduler{}
	ota := &mockOTA{}
	reg := registry.New(db)
	queue := tasks.New(tasks.DefaultConfig())

	eng, err := New(DefaultConfig(), db, reg, tr, sched, ota, queue)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	wireless := "b478cd22-9f41-4f0a-8e11-000000000001"
	loc, _ := time.LoadLocation("America/Denver")
	return &fixture{
		db: db, tr: tr, sched: sched, ota: ota, engine: eng,
		wireless: wireless,
		deviceID: registry.ShortID(wireless),
		loc:      loc,
	}
}

func (f *fixture) uplink(payload []byte) *transport.UplinkMessage {
	return &transport.UplinkMessage{
		WirelessDeviceID: f.wireless,
		Payload:          payload,
		RSSI:             -92,
		ReceivedAt:       time.Now(),
	}
}

// syncedTelemetry builds a v0x0A frame whose epoch tracks the wall clock
func syncedTelemetry(edit func(*protocol.Telemetry)) []byte {
	tel := protocol.Telemetry{
		StateCode:   protocol.J1772StateC,
		PilotMV:     5912,
		CurrentMA:   29962,
		DeviceEpoch: uint32(protocol.ToSC(time.Now().Unix())),
		AppBuild:    7,
	}
	if edit != nil {
		edit(&tel)
	}
	return protocol.EncodeTelemetry(tel)
}

// primeSync marks the device freshly synced so the sync path stays quiet
func (f *fixture) primeSync(t *testing.T) {
	t.Helper()
	if err := f.db.PutTimeSync(f.deviceID, time.Now().Unix(), 1000); err != nil {
		t.Fatalf("PutTimeSync failed: %v", err)
	}
}

func TestTelemetryPipeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.primeSync(t)

	msg := f.uplink(syncedTelemetry(func(tel *protocol.Telemetry) {
		tel.ChargeAllowed = true
	}))
	if err := f.engine.ProcessUplink(ctx, msg); err != nil {
		t.Fatalf("ProcessUplink failed: %v", err)
	}

	// Device enrolled and touched with the reported build.
	dev, err := f.db.GetDevice(f.deviceID)
	if err != nil || dev == nil {
		t.Fatalf("device row: %v %v", dev, err)
	}
	if dev.AppVersion != 7 {
		t.Errorf("app version: got %d", dev.AppVersion)
	}

	// Event row with device time source.
	events, err := f.db.EventsForDevice(f.deviceID, "2020-01-01 00:00:00.000", 10)
	if err != nil {
		t.Fatalf("EventsForDevice failed: %v", err)
	}
	var tele *storage.Event
	for _, e := range events {
		if e.EventType == storage.EventTelemetry {
			tele = e
		}
	}
	if tele == nil {
		t.Fatal("no telemetry event written")
	}
	if tele.TimeSource != storage.TimeSourceDevice || tele.DeviceEpoch == 0 {
		t.Errorf("time attribution: %+v", tele)
	}
	if !strings.Contains(tele.Data, `"pilot_state":"C"`) {
		t.Errorf("event data: %s", tele.Data)
	}

	// Snapshot updated.
	state, _ := f.db.GetDeviceState(f.deviceID)
	if state == nil || state.PilotState != "C" || state.CurrentMA != 29962 || !state.ChargeAllowed {
		t.Errorf("snapshot: %+v", state)
	}
}

func TestUnsyncedDeviceGetsTimeSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg := f.uplink(syncedTelemetry(func(tel *protocol.Telemetry) {
		tel.DeviceEpoch = 0
	}))
	if err := f.engine.ProcessUplink(ctx, msg); err != nil {
		t.Fatalf("ProcessUplink failed: %v", err)
	}

	sent := f.tr.sent()
	if len(sent) != 1 {
		t.Fatalf("downlinks: got %d, want 1", len(sent))
	}
	if len(sent[0]) != 9 || sent[0][0] != protocol.CmdTimeSync {
		t.Fatalf("time sync frame: %x", sent[0])
	}

	// Event stamped with cloud time, sync state persisted.
	events, _ := f.db.EventsByType(storage.EventTimeSync, "2020-01-01 00:00:00.000", 10)
	if len(events) != 1 {
		t.Errorf("time_sync_state events: got %d", len(events))
	}
	state, _ := f.db.GetDeviceState(f.deviceID)
	if state.LastSyncUnix == 0 {
		t.Error("sync not recorded")
	}

	// Next synced frame does not re-sync.
	if err := f.engine.ProcessUplink(ctx, f.uplink(syncedTelemetry(nil))); err != nil {
		t.Fatalf("second ProcessUplink failed: %v", err)
	}
	if len(f.tr.sent()) != 1 {
		t.Errorf("unexpected re-sync, downlinks: %d", len(f.tr.sent()))
	}
}

func TestDivergenceTriggersForcedRepush(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.primeSync(t)

	// Scheduler paused charging two minutes ago, past the grace period.
	if err := f.db.PutSchedulerIntent(f.deviceID, &storage.SchedulerIntent{
		LastCommand: storage.CmdDelayWindow,
		Reason:      "tou_peak",
		MoerPercent: -1,
		SentUnix:    time.Now().Add(-2 * time.Minute).Unix(),
	}); err != nil {
		t.Fatalf("PutSchedulerIntent failed: %v", err)
	}

	// Device reports the gate still open.
	msg := f.uplink(syncedTelemetry(func(tel *protocol.Telemetry) {
		tel.ChargeAllowed = true
	}))
	if err := f.engine.ProcessUplink(ctx, msg); err != nil {
		t.Fatalf("ProcessUplink failed: %v", err)
	}

	state, _ := f.db.GetDeviceState(f.deviceID)
	if state.DivergenceRetries != 1 {
		t.Errorf("retries: got %d, want 1", state.DivergenceRetries)
	}

	events, _ := f.db.EventsByType(storage.EventDivergence, "2020-01-01 00:00:00.000", 10)
	if len(events) != 1 {
		t.Errorf("divergence events: got %d", len(events))
	}

	// The re-push runs async.
	deadline := time.After(2 * time.Second)
	for f.sched.forcedCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("ForceDevice never called")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDivergenceCapStopsRepushing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.primeSync(t)

	f.db.PutSchedulerIntent(f.deviceID, &storage.SchedulerIntent{
		LastCommand: storage.CmdDelayWindow,
		SentUnix:    time.Now().Add(-2 * time.Minute).Unix(),
	})

	diverged := func() *transport.UplinkMessage {
		return f.uplink(syncedTelemetry(func(tel *protocol.Telemetry) {
			tel.ChargeAllowed = true
		}))
	}

	for i := 0; i < 5; i++ {
		if err := f.engine.ProcessUplink(ctx, diverged()); err != nil {
			t.Fatalf("ProcessUplink(%d) failed: %v", i, err)
		}
	}
	f.engine.wg.Wait()

	state, _ := f.db.GetDeviceState(f.deviceID)
	if state.DivergenceRetries != 5 {
		t.Errorf("retries: got %d, want 5", state.DivergenceRetries)
	}
	// Only the first three re-push; the cap stops the rest.
	if got := f.sched.forcedCount(); got != 3 {
		t.Errorf("forced re-pushes: got %d, want 3", got)
	}
}

func TestReconvergenceResetsCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.primeSync(t)

	f.db.PutSchedulerIntent(f.deviceID, &storage.SchedulerIntent{
		LastCommand: storage.CmdDelayWindow,
		SentUnix:    time.Now().Add(-2 * time.Minute).Unix(),
	})
	f.db.PutDivergence(f.deviceID, 2, time.Now().Unix(), storage.CmdDelayWindow, true)

	// Device now reports the gate closed, matching intent.
	msg := f.uplink(syncedTelemetry(func(tel *protocol.Telemetry) {
		tel.ChargeAllowed = false
	}))
	if err := f.engine.ProcessUplink(ctx, msg); err != nil {
		t.Fatalf("ProcessUplink failed: %v", err)
	}

	state, _ := f.db.GetDeviceState(f.deviceID)
	if state.DivergenceRetries != 0 {
		t.Errorf("retries not reset: %d", state.DivergenceRetries)
	}
}

func TestChargeNowDuringPeakRunsToPeakEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.primeSync(t)

	// Wednesday 18:30, inside the 17:00-21:00 peak.
	peak := time.Date(2026, 8, 26, 18, 30, 0, 0, f.loc)
	f.engine.now = func() time.Time { return peak }

	f.db.PutSchedulerIntent(f.deviceID, &storage.SchedulerIntent{
		LastCommand: storage.CmdDelayWindow,
		WindowEndSC: protocol.ToSC(peak.Add(time.Hour).Unix()),
		SentUnix:    peak.Unix(),
	})

	msg := f.uplink(syncedTelemetry(func(tel *protocol.Telemetry) {
		tel.ChargeNow = true
		tel.ChargeAllowed = true
	}))
	if err := f.engine.ProcessUplink(ctx, msg); err != nil {
		t.Fatalf("ProcessUplink failed: %v", err)
	}

	state, _ := f.db.GetDeviceState(f.deviceID)
	wantEnd := time.Date(2026, 8, 26, 21, 0, 0, 0, f.loc).Unix()
	if state.OverrideUntil != wantEnd {
		t.Errorf("override until: got %d, want %d", state.OverrideUntil, wantEnd)
	}
}

func TestChargeNowOffPeakUsesFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.primeSync(t)

	// Saturday morning: no peak window, and no delay window has been
	// sent; the press still records an override.
	offPeak := time.Date(2026, 8, 22, 10, 0, 0, 0, f.loc)
	f.engine.now = func() time.Time { return offPeak }

	f.db.PutSchedulerIntent(f.deviceID, &storage.SchedulerIntent{
		LastCommand: storage.CmdOffPeak,
		SentUnix:    offPeak.Unix(),
	})

	msg := f.uplink(syncedTelemetry(func(tel *protocol.Telemetry) {
		tel.ChargeNow = true
		tel.ChargeAllowed = true
	}))
	if err := f.engine.ProcessUplink(ctx, msg); err != nil {
		t.Fatalf("ProcessUplink failed: %v", err)
	}

	state, _ := f.db.GetDeviceState(f.deviceID)
	want := offPeak.Unix() + 4*3600
	if state.OverrideUntil != want {
		t.Errorf("override until: got %d, want %d", state.OverrideUntil, want)
	}
}

func TestNewFaultTriggersDiagRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.primeSync(t)

	faulted := func() *transport.UplinkMessage {
		return f.uplink(syncedTelemetry(func(tel *protocol.Telemetry) {
			tel.FaultClamp = true
		}))
	}

	if err := f.engine.ProcessUplink(ctx, faulted()); err != nil {
		t.Fatalf("ProcessUplink failed: %v", err)
	}
	sent := f.tr.sent()
	if len(sent) != 1 || len(sent[0]) != 1 || sent[0][0] != protocol.CmdDiagRequest {
		t.Fatalf("diag request frame: %v", sent)
	}

	// The same fault on the next heartbeat stays quiet.
	if err := f.engine.ProcessUplink(ctx, faulted()); err != nil {
		t.Fatalf("second ProcessUplink failed: %v", err)
	}
	if len(f.tr.sent()) != 1 {
		t.Errorf("repeat fault re-requested diagnostics: %d downlinks", len(f.tr.sent()))
	}

	// Fault clears, then a different fault raises a fresh request.
	if err := f.engine.ProcessUplink(ctx, f.uplink(syncedTelemetry(nil))); err != nil {
		t.Fatalf("clear ProcessUplink failed: %v", err)
	}
	msg := f.uplink(syncedTelemetry(func(tel *protocol.Telemetry) {
		tel.FaultSensor = true
	}))
	if err := f.engine.ProcessUplink(ctx, msg); err != nil {
		t.Fatalf("sensor fault ProcessUplink failed: %v", err)
	}
	if got := len(f.tr.sent()); got != 2 {
		t.Errorf("downlinks: got %d, want 2", got)
	}
}

func TestInterlockTransitionEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.primeSync(t)

	msg := f.uplink(syncedTelemetry(func(tel *protocol.Telemetry) {
		tel.TransitionCode = protocol.TransitionDelayWindow
	}))
	if err := f.engine.ProcessUplink(ctx, msg); err != nil {
		t.Fatalf("ProcessUplink failed: %v", err)
	}

	transitions, _ := f.db.EventsByType(storage.EventInterlock, "2020-01-01 00:00:00.000", 10)
	if len(transitions) != 1 {
		t.Fatalf("interlock events: got %d", len(transitions))
	}
	if !strings.Contains(transitions[0].Data, "delay_window") {
		t.Errorf("transition data: %s", transitions[0].Data)
	}

	// The transition row sorts one millisecond after the telemetry row.
	tele, _ := f.db.EventsByType(storage.EventTelemetry, "2020-01-01 00:00:00.000", 10)
	if len(tele) != 1 {
		t.Fatalf("telemetry events: got %d", len(tele))
	}
	if transitions[0].TimestampMT <= tele[0].TimestampMT {
		t.Errorf("ordering: transition %s vs telemetry %s",
			transitions[0].TimestampMT, tele[0].TimestampMT)
	}
}

func TestOTAFramesForwarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ack := []byte{0x20, 0x80, 0x00, 0x02, 0x00, 0x02, 0x00}
	if err := f.engine.ProcessUplink(ctx, f.uplink(ack)); err != nil {
		t.Fatalf("ProcessUplink(ack) failed: %v", err)
	}
	if len(f.ota.acks) != 1 || f.ota.acks[0].NextChunk != 2 {
		t.Errorf("acks: %+v", f.ota.acks)
	}

	complete := []byte{0x20, 0x81, 0x00, 0xEF, 0xBE, 0xAD, 0xDE}
	if err := f.engine.ProcessUplink(ctx, f.uplink(complete)); err != nil {
		t.Fatalf("ProcessUplink(complete) failed: %v", err)
	}
	if len(f.ota.completes) != 1 || f.ota.completes[0].CRC32Calc != 0xDEADBEEF {
		t.Errorf("completes: %+v", f.ota.completes)
	}

	status := []byte{0x20, 0x82, 0x02, 0x10, 0x00, 0x00, 0x10, 0x03, 0x00, 0x00, 0x00}
	if err := f.engine.ProcessUplink(ctx, f.uplink(status)); err != nil {
		t.Fatalf("ProcessUplink(status) failed: %v", err)
	}
	if len(f.ota.statuses) != 1 {
		t.Errorf("statuses: %+v", f.ota.statuses)
	}

	// ACK and STATUS leave ota_uplink audit rows.
	audits, _ := f.db.EventsByType(storage.EventOTAUplink, "2020-01-01 00:00:00.000", 10)
	if len(audits) != 2 {
		t.Errorf("ota_uplink events: got %d", len(audits))
	}
}

func TestDiagnosticsAndUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	diag := []byte{0xE6, 0x01, 0x02, 0x01, 0x10, 0x0E, 0x00, 0x00, 0x07, 0x00, 0x03, 0x53, 0x05, 0x09, 0x03}
	if err := f.engine.ProcessUplink(ctx, f.uplink(diag)); err != nil {
		t.Fatalf("ProcessUplink(diag) failed: %v", err)
	}
	events, _ := f.db.EventsByType(storage.EventDiagnostics, "2020-01-01 00:00:00.000", 10)
	if len(events) != 1 {
		t.Fatalf("diagnostics events: got %d", len(events))
	}
	if !strings.Contains(events[0].Data, `"last_error":"interlock"`) {
		t.Errorf("diagnostics data: %s", events[0].Data)
	}
	dev, _ := f.db.GetDevice(f.deviceID)
	if dev.AppVersion != 0x0102 {
		t.Errorf("app version from diagnostics: got %d", dev.AppVersion)
	}

	garbage := []byte{0x55, 0x00, 0x12}
	if err := f.engine.ProcessUplink(ctx, f.uplink(garbage)); err != nil {
		t.Fatalf("ProcessUplink(garbage) failed: %v", err)
	}
	unknown, _ := f.db.EventsByType(storage.EventUnknownUplink, "2020-01-01 00:00:00.000", 10)
	if len(unknown) != 1 {
		t.Errorf("unknown_uplink events: got %d", len(unknown))
	}
}

func TestLegacyEnvelopePipeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Variable-offset envelope with the payload at offset 8.
	frame := []byte{0x40, 0x81, 0x00, 0x6D, 0x01, 0x20, 0x82, 0x00, 0x01, 0x02, 0x03, 0x0B, 0x01, 0x0C, 0x04}
	if err := f.engine.ProcessUplink(ctx, f.uplink(frame)); err != nil {
		t.Fatalf("ProcessUplink failed: %v", err)
	}

	events, _ := f.db.EventsByType(storage.EventTelemetry, "2020-01-01 00:00:00.000", 10)
	if len(events) != 1 {
		t.Fatalf("telemetry events: got %d", len(events))
	}
	if !strings.Contains(events[0].Data, `"pilot_state":"B"`) {
		t.Errorf("legacy event data: %s", events[0].Data)
	}

	state, _ := f.db.GetDeviceState(f.deviceID)
	if state.PilotState != "B" || state.PilotMV != 2819 {
		t.Errorf("legacy snapshot: %+v", state)
	}
	// No downlinks: the legacy path never enters the closed loop.
	if len(f.tr.sent()) != 0 {
		t.Errorf("legacy frame triggered %d downlinks", len(f.tr.sent()))
	}
}
