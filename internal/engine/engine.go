// Package engine is the uplink pipeline: every frame off the radio is
// decoded, attributed to a device, logged to the event store, folded
// into device state, and answered with whatever downlinks the
// closed-loop rules call for (time sync, divergence re-push, charge-now
// override). OTA frames are handed to the OTA engine.
package engine

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sidecharge/orchestrator/internal/protocol"
	"github.com/sidecharge/orchestrator/internal/registry"
	"github.com/sidecharge/orchestrator/internal/storage"
	"github.com/sidecharge/orchestrator/internal/tasks"
	"github.com/sidecharge/orchestrator/internal/transport"
)

// SchedulerControl is the scheduler surface the pipeline drives when a
// device's reported state diverges from cloud intent.
type SchedulerControl interface {
	ForceDevice(ctx context.Context, deviceID string) error
}

// OTAControl is the OTA engine surface for device-originated frames.
type OTAControl interface {
	HandleAck(ctx context.Context, dev *storage.Device, ack protocol.OTAAck) error
	HandleComplete(ctx context.Context, dev *storage.Device, comp protocol.OTAComplete) error
	HandleStatus(dev *storage.Device, st protocol.OTAStatus) error
}

// Config holds pipeline configuration
type Config struct {
	DivergenceGrace  time.Duration // Quiet period after a send before divergence counts
	DivergenceCap    int           // Re-push budget before giving up
	OverrideFallback time.Duration // Charge-now override length outside the peak window
	TimeSyncStale    time.Duration // Re-sync a device after this long
	TOUStartHour     int           // Peak window start, local time
	TOUEndHour       int           // Peak window end, local time
	Timezone         string
	DispatchTimeout  time.Duration
}

// DefaultConfig returns default pipeline configuration
func DefaultConfig() Config {
	return Config{
		DivergenceGrace:  time.Minute,
		DivergenceCap:    3,
		OverrideFallback: 4 * time.Hour,
		TimeSyncStale:    24 * time.Hour,
		TOUStartHour:     17,
		TOUEndHour:       21,
		Timezone:         "America/Denver",
		DispatchTimeout:  10 * time.Second,
	}
}

// Engine wires transport uplinks through decode, registry, storage, and
// the convergence rules.
type Engine struct {
	config    Config
	db        *storage.DB
	registry  *registry.Registry
	transport transport.Transport
	scheduler SchedulerControl
	ota       OTAControl
	queue     *tasks.Queue
	loc       *time.Location

	wg sync.WaitGroup

	now func() time.Time
}

// New creates the pipeline
func New(config Config, db *storage.DB, reg *registry.Registry, tr transport.Transport, sched SchedulerControl, ota OTAControl, queue *tasks.Queue) (*Engine, error) {
	loc, err := time.LoadLocation(config.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %s: %w", config.Timezone, err)
	}

	return &Engine{
		config:    config,
		db:        db,
		registry:  reg,
		transport: tr,
		scheduler: sched,
		ota:       ota,
		queue:     queue,
		loc:       loc,
		now:       time.Now,
	}, nil
}

// Start hooks the transport and launches the worker queue
func (e *Engine) Start(ctx context.Context) error {
	e.queue.Start()
	e.transport.SetUplinkHandler(func(msg *transport.UplinkMessage) {
		e.enqueue(ctx, msg)
	})
	log.Println("[engine] Uplink pipeline started")
	return nil
}

// Stop detaches the transport and drains the workers
func (e *Engine) Stop() error {
	e.transport.SetUplinkHandler(nil)
	e.queue.Stop()
	e.wg.Wait()
	return nil
}

// enqueue routes a frame to the device's worker. The job ID is derived
// from the frame itself so network redeliveries collapse to one run.
func (e *Engine) enqueue(ctx context.Context, msg *transport.UplinkMessage) {
	id := fmt.Sprintf("%x-%d", msg.Payload, msg.ReceivedAt.UnixMilli())
	e.queue.Submit(msg.WirelessDeviceID, id, func() {
		if err := e.ProcessUplink(ctx, msg); err != nil {
			log.Printf("[engine] Uplink from %s failed: %v", msg.WirelessDeviceID, err)
		}
	})
}

// ProcessUplink runs the full pipeline for one frame
func (e *Engine) ProcessUplink(ctx context.Context, msg *transport.UplinkMessage) error {
	decoded := protocol.Decode(msg.Payload)

	dev, err := e.registry.GetOrCreate(msg.WirelessDeviceID, msg.ReceivedAt)
	if err != nil {
		return err
	}

	appVersion := 0
	switch v := decoded.(type) {
	case protocol.Telemetry:
		appVersion = int(v.AppBuild)
	case protocol.Diagnostics:
		appVersion = int(v.AppVersion)
	}
	if err := e.registry.Touch(dev.ShortID, msg.ReceivedAt, appVersion); err != nil {
		return err
	}

	switch v := decoded.(type) {
	case protocol.Telemetry:
		return e.handleTelemetry(ctx, dev, v, msg)
	case protocol.Diagnostics:
		return e.handleDiagnostics(dev, v, msg)
	case protocol.LegacyTelemetry:
		return e.handleLegacy(dev, v, msg)
	case protocol.OTAAck:
		if err := e.logOTAUplink(dev, "ack", map[string]interface{}{
			"status":          protocol.OTAStatusString(v.Status),
			"next_chunk":      v.NextChunk,
			"chunks_received": v.ChunksReceived,
		}, msg); err != nil {
			return err
		}
		return e.ota.HandleAck(ctx, dev, v)
	case protocol.OTAComplete:
		return e.ota.HandleComplete(ctx, dev, v)
	case protocol.OTAStatus:
		if err := e.logOTAUplink(dev, "status", map[string]interface{}{
			"phase":           v.Phase,
			"chunks_received": v.ChunksReceived,
			"total_chunks":    v.TotalChunks,
			"app_version":     v.AppVersion,
		}, msg); err != nil {
			return err
		}
		return e.ota.HandleStatus(dev, v)
	case protocol.Unknown:
		return e.handleUnknown(dev, v, msg)
	default:
		return fmt.Errorf("unhandled uplink type %T", decoded)
	}
}

// eventStamp picks the event sort key. A synced device timestamps its
// own frames; everything else is stamped with cloud receive time.
func (e *Engine) eventStamp(deviceEpoch uint32, msg *transport.UplinkMessage) (string, string, int64) {
	if deviceEpoch > 0 {
		t := time.Unix(protocol.FromSC(int64(deviceEpoch)), 0)
		return storage.TimestampMT(t, e.loc), storage.TimeSourceDevice, int64(deviceEpoch)
	}
	return storage.TimestampMT(msg.ReceivedAt, e.loc), storage.TimeSourceCloudPresync, 0
}

func (e *Engine) handleTelemetry(ctx context.Context, dev *storage.Device, tel protocol.Telemetry, msg *transport.UplinkMessage) error {
	ts, source, epoch := e.eventStamp(tel.DeviceEpoch, msg)

	data, err := json.Marshal(map[string]interface{}{
		"version":           tel.Version,
		"pilot_state":       tel.State(),
		"pilot_mv":          tel.PilotMV,
		"current_ma":        tel.CurrentMA,
		"charge_allowed":    tel.ChargeAllowed,
		"charge_now":        tel.ChargeNow,
		"fault_sensor":      tel.FaultSensor,
		"fault_clamp":       tel.FaultClamp,
		"fault_interlock":   tel.FaultInterlock,
		"fault_selftest":    tel.FaultSelftest,
		"transition_reason": tel.TransitionReason(),
		"rssi":              msg.RSSI,
	})
	if err != nil {
		return err
	}

	event := &storage.Event{
		DeviceID:    dev.ShortID,
		TimestampMT: ts,
		EventType:   storage.EventTelemetry,
		TimeSource:  source,
		DeviceEpoch: epoch,
		ReceivedMS:  msg.ReceivedAt.UnixMilli(),
		Data:        string(data),
		ExpiresAt:   msg.ReceivedAt.Add(storage.EventTTL).Unix(),
	}
	if err := e.db.InsertEvent(event, e.loc); err != nil {
		return err
	}

	// An interlock transition rides along in the same frame; it gets its
	// own event row one millisecond after the telemetry row so both
	// survive the shared sort key.
	if tel.Version >= protocol.TelemetryV9 && tel.TransitionCode != protocol.TransitionNone {
		bumped, err := storage.BumpTimestampMT(event.TimestampMT, e.loc)
		if err != nil {
			return err
		}
		transData, _ := json.Marshal(map[string]interface{}{
			"reason":         tel.TransitionReason(),
			"charge_allowed": tel.ChargeAllowed,
		})
		if err := e.db.InsertEvent(&storage.Event{
			DeviceID:    dev.ShortID,
			TimestampMT: bumped,
			EventType:   storage.EventInterlock,
			TimeSource:  source,
			DeviceEpoch: epoch,
			ReceivedMS:  msg.ReceivedAt.UnixMilli(),
			Data:        string(transData),
			ExpiresAt:   msg.ReceivedAt.Add(storage.EventTTL).Unix(),
		}, e.loc); err != nil {
			return err
		}
	}

	// The pre-update state carries the scheduler intent, sync, and fault
	// history the closed-loop checks compare against.
	prev, err := e.db.GetDeviceState(dev.ShortID)
	if err != nil {
		return err
	}

	snapshot := &storage.DeviceState{
		PilotState:     tel.State(),
		PilotMV:        int(tel.PilotMV),
		CurrentMA:      int(tel.CurrentMA),
		ChargeAllowed:  tel.ChargeAllowed,
		ChargeNow:      tel.ChargeNow,
		FaultMask:      faultMask(tel),
		AppBuild:       int(tel.AppBuild),
		PlatformBuild:  int(tel.PlatformBuild),
		LastUplinkUnix: msg.ReceivedAt.Unix(),
	}
	if err := e.db.UpdateTelemetrySnapshot(dev.ShortID, snapshot); err != nil {
		return err
	}

	// Pre-versioned frames carry no charge intent bits; the closed loop
	// only runs on v0x07 and later.
	if tel.Version < protocol.TelemetryV7 {
		return nil
	}
	return e.converge(ctx, dev, tel, prev, msg)
}

// converge runs the closed-loop checks. state is the row as it stood
// before this frame's snapshot update; the telemetry write does not
// touch any of the fields compared here.
func (e *Engine) converge(ctx context.Context, dev *storage.Device, tel protocol.Telemetry, state *storage.DeviceState, msg *transport.UplinkMessage) error {
	if err := e.maybeTimeSync(ctx, dev, tel, state, msg); err != nil {
		return err
	}
	if err := e.maybeChargeNowOverride(dev, tel, state); err != nil {
		return err
	}
	if err := e.maybeDiagRequest(ctx, dev, tel, state); err != nil {
		return err
	}
	return e.checkDivergence(ctx, dev, tel, state, msg)
}

// maybeDiagRequest asks a device for a full diagnostics report when a
// fault bit turns on. Bits already set stay quiet so a persistent fault
// does not generate a request per heartbeat.
func (e *Engine) maybeDiagRequest(ctx context.Context, dev *storage.Device, tel protocol.Telemetry, state *storage.DeviceState) error {
	mask := faultMask(tel)
	prevMask := 0
	if state != nil {
		prevMask = state.FaultMask
	}
	if mask&^prevMask == 0 {
		return nil
	}

	log.Printf("[engine] New fault on %s (mask %#x), requesting diagnostics", dev.ShortID, mask)
	return e.send(ctx, dev, protocol.BuildDiagRequest())
}

// maybeTimeSync pushes the cloud clock when the device reports unsynced
// or its last sync has gone stale.
func (e *Engine) maybeTimeSync(ctx context.Context, dev *storage.Device, tel protocol.Telemetry, state *storage.DeviceState, msg *transport.UplinkMessage) error {
	nowUnix := e.now().Unix()
	needed := tel.DeviceEpoch == 0 ||
		state == nil || state.LastSyncUnix == 0 ||
		nowUnix-state.LastSyncUnix > int64(e.config.TimeSyncStale.Seconds())
	if !needed {
		return nil
	}

	epochSC := protocol.ToSC(nowUnix)
	if err := e.send(ctx, dev, protocol.BuildTimeSync(uint32(epochSC), uint32(epochSC))); err != nil {
		return err
	}
	if err := e.db.PutTimeSync(dev.ShortID, nowUnix, epochSC); err != nil {
		return err
	}

	data, _ := json.Marshal(map[string]interface{}{
		"device_epoch": tel.DeviceEpoch,
		"synced_sc":    epochSC,
	})
	log.Printf("[engine] Time sync sent to %s (device epoch %d)", dev.ShortID, tel.DeviceEpoch)
	return e.db.InsertEvent(&storage.Event{
		DeviceID:    dev.ShortID,
		TimestampMT: storage.TimestampMT(msg.ReceivedAt, e.loc),
		EventType:   storage.EventTimeSync,
		TimeSource:  storage.TimeSourceCloudPresync,
		ReceivedMS:  msg.ReceivedAt.UnixMilli(),
		Data:        string(data),
		ExpiresAt:   msg.ReceivedAt.Add(storage.EventTTL).Unix(),
	}, e.loc)
}

// maybeChargeNowOverride records an owner charge-now press. The
// override runs to the end of today's peak window, or a fixed fallback
// when the press lands outside the peak.
func (e *Engine) maybeChargeNowOverride(dev *storage.Device, tel protocol.Telemetry, state *storage.DeviceState) error {
	if !tel.ChargeNow {
		return nil
	}
	now := e.now().In(e.loc)
	nowUnix := now.Unix()
	if state != nil && state.OverrideUntil > nowUnix {
		return nil
	}

	until := nowUnix + int64(e.config.OverrideFallback.Seconds())
	if end, ok := e.touPeakEnd(now); ok {
		until = end.Unix()
	}

	log.Printf("[engine] Charge-now override for %s until %s",
		dev.ShortID, time.Unix(until, 0).In(e.loc).Format(time.RFC3339))
	return e.db.SetOverride(dev.ShortID, until)
}

// touPeakEnd returns the end of today's peak window when local time is
// inside it.
func (e *Engine) touPeakEnd(now time.Time) (time.Time, bool) {
	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		return time.Time{}, false
	}
	if now.Hour() < e.config.TOUStartHour || now.Hour() >= e.config.TOUEndHour {
		return time.Time{}, false
	}
	return time.Date(now.Year(), now.Month(), now.Day(), e.config.TOUEndHour, 0, 0, 0, e.loc), true
}

// checkDivergence compares the device's reported charge gate against
// the last scheduler command and re-pushes intent when they disagree.
func (e *Engine) checkDivergence(ctx context.Context, dev *storage.Device, tel protocol.Telemetry, state *storage.DeviceState, msg *transport.UplinkMessage) error {
	if state == nil {
		return nil
	}
	if state.LastCommand != storage.CmdAllow && state.LastCommand != storage.CmdDelayWindow {
		return nil
	}
	nowUnix := e.now().Unix()
	// Grace period: the device may simply not have drained the downlink
	// queue yet.
	if nowUnix-state.SentUnix < int64(e.config.DivergenceGrace.Seconds()) {
		return nil
	}

	intendedAllow := state.LastCommand == storage.CmdAllow
	if tel.ChargeAllowed == intendedAllow {
		if state.DivergenceRetries > 0 {
			log.Printf("[engine] Device %s re-converged after %d retries", dev.ShortID, state.DivergenceRetries)
			return e.db.ResetDivergence(dev.ShortID)
		}
		return nil
	}

	retries := state.DivergenceRetries + 1
	if err := e.db.PutDivergence(dev.ShortID, retries, nowUnix, state.LastCommand, tel.ChargeAllowed); err != nil {
		return err
	}

	data, _ := json.Marshal(map[string]interface{}{
		"sched_cmd":      state.LastCommand,
		"device_allowed": tel.ChargeAllowed,
		"retries":        retries,
	})
	if err := e.db.InsertEvent(&storage.Event{
		DeviceID:    dev.ShortID,
		TimestampMT: storage.TimestampMT(msg.ReceivedAt, e.loc),
		EventType:   storage.EventDivergence,
		TimeSource:  storage.TimeSourceCloudPresync,
		ReceivedMS:  msg.ReceivedAt.UnixMilli(),
		Data:        string(data),
		ExpiresAt:   msg.ReceivedAt.Add(storage.EventTTL).Unix(),
	}, e.loc); err != nil {
		return err
	}

	if retries > e.config.DivergenceCap {
		log.Printf("[engine] Device %s still diverged after %d re-pushes, giving up until state changes",
			dev.ShortID, e.config.DivergenceCap)
		return nil
	}

	log.Printf("[engine] Device %s diverged from %s (retry %d/%d), re-pushing intent",
		dev.ShortID, state.LastCommand, retries, e.config.DivergenceCap)

	// Re-push happens off the worker so a slow send does not stall the
	// device's uplink lane.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.scheduler.ForceDevice(ctx, dev.ShortID); err != nil {
			log.Printf("[engine] Forced re-push failed for %s: %v", dev.ShortID, err)
		}
	}()
	return nil
}

func (e *Engine) handleDiagnostics(dev *storage.Device, d protocol.Diagnostics, msg *transport.UplinkMessage) error {
	data, err := json.Marshal(map[string]interface{}{
		"app_version":          d.AppVersion,
		"uptime_s":             d.UptimeS,
		"boot_count":           d.BootCount,
		"last_error":           d.LastError(),
		"sidewalk_ready":       d.SidewalkReady,
		"charge_allowed":       d.ChargeAllowed,
		"charge_now":           d.ChargeNow,
		"interlock":            d.Interlock,
		"selftest_pass":        d.SelftestPass,
		"ota_in_progress":      d.OTAInProgress,
		"time_synced":          d.TimeSynced,
		"event_buffer_pending": d.EventBufferPending,
		"app_build":            d.AppBuild,
		"platform_build":       d.PlatformBuild,
	})
	if err != nil {
		return err
	}

	return e.db.InsertEvent(&storage.Event{
		DeviceID:    dev.ShortID,
		TimestampMT: storage.TimestampMT(msg.ReceivedAt, e.loc),
		EventType:   storage.EventDiagnostics,
		TimeSource:  storage.TimeSourceCloudPresync,
		ReceivedMS:  msg.ReceivedAt.UnixMilli(),
		Data:        string(data),
		ExpiresAt:   msg.ReceivedAt.Add(storage.EventTTL).Unix(),
	}, e.loc)
}

func (e *Engine) handleLegacy(dev *storage.Device, tel protocol.LegacyTelemetry, msg *transport.UplinkMessage) error {
	data, err := json.Marshal(map[string]interface{}{
		"pilot_state":     protocol.J1772StateString(tel.StateCode),
		"pilot_mv":        tel.PilotMV,
		"current_ma":      tel.CurrentMA,
		"thermostat_bits": tel.ThermostatBits,
		"envelope_offset": tel.Offset,
		"rssi":            msg.RSSI,
	})
	if err != nil {
		return err
	}

	if err := e.db.InsertEvent(&storage.Event{
		DeviceID:    dev.ShortID,
		TimestampMT: storage.TimestampMT(msg.ReceivedAt, e.loc),
		EventType:   storage.EventTelemetry,
		TimeSource:  storage.TimeSourceCloudPresync,
		ReceivedMS:  msg.ReceivedAt.UnixMilli(),
		Data:        string(data),
		ExpiresAt:   msg.ReceivedAt.Add(storage.EventTTL).Unix(),
	}, e.loc); err != nil {
		return err
	}

	return e.db.UpdateTelemetrySnapshot(dev.ShortID, &storage.DeviceState{
		PilotState:     protocol.J1772StateString(tel.StateCode),
		PilotMV:        int(tel.PilotMV),
		CurrentMA:      int(tel.CurrentMA),
		LastUplinkUnix: msg.ReceivedAt.Unix(),
	})
}

func (e *Engine) handleUnknown(dev *storage.Device, u protocol.Unknown, msg *transport.UplinkMessage) error {
	data, err := json.Marshal(map[string]interface{}{
		"payload": hex.EncodeToString(u.Raw),
		"reason":  u.Reason,
		"rssi":    msg.RSSI,
	})
	if err != nil {
		return err
	}

	log.Printf("[engine] Unknown uplink from %s: %s", dev.ShortID, u.Reason)
	return e.db.InsertEvent(&storage.Event{
		DeviceID:    dev.ShortID,
		TimestampMT: storage.TimestampMT(msg.ReceivedAt, e.loc),
		EventType:   storage.EventUnknownUplink,
		TimeSource:  storage.TimeSourceCloudPresync,
		ReceivedMS:  msg.ReceivedAt.UnixMilli(),
		Data:        string(data),
		ExpiresAt:   msg.ReceivedAt.Add(storage.EventTTL).Unix(),
	}, e.loc)
}

func (e *Engine) logOTAUplink(dev *storage.Device, kind string, fields map[string]interface{}, msg *transport.UplinkMessage) error {
	fields["kind"] = kind
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return e.db.InsertEvent(&storage.Event{
		DeviceID:    dev.ShortID,
		TimestampMT: storage.TimestampMT(msg.ReceivedAt, e.loc),
		EventType:   storage.EventOTAUplink,
		TimeSource:  storage.TimeSourceCloudPresync,
		ReceivedMS:  msg.ReceivedAt.UnixMilli(),
		Data:        string(data),
		ExpiresAt:   msg.ReceivedAt.Add(storage.EventTTL).Unix(),
	}, e.loc)
}

func (e *Engine) send(ctx context.Context, dev *storage.Device, payload []byte) error {
	sendCtx, cancel := context.WithTimeout(ctx, e.config.DispatchTimeout)
	defer cancel()
	return e.transport.SendDownlink(sendCtx, dev.WirelessID, payload)
}

func faultMask(tel protocol.Telemetry) int {
	mask := 0
	if tel.FaultSensor {
		mask |= 1 << 0
	}
	if tel.FaultClamp {
		mask |= 1 << 1
	}
	if tel.FaultInterlock {
		mask |= 1 << 2
	}
	if tel.FaultSelftest {
		mask |= 1 << 3
	}
	return mask
}
