// Package scheduler decides, per device, whether charging should pause
// and pushes the matching downlink. Pausing happens during the utility
// TOU peak window and when the grid carbon signal runs high; everything
// else is off-peak and charging is allowed.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/sidecharge/orchestrator/internal/protocol"
	"github.com/sidecharge/orchestrator/internal/registry"
	"github.com/sidecharge/orchestrator/internal/storage"
	"github.com/sidecharge/orchestrator/internal/transport"
)

// CarbonSource provides the marginal-emissions percentile, 0 to 100.
// The bool is false when no signal is available.
type CarbonSource interface {
	SignalIndex() (int, bool)
}

// Config holds scheduler configuration
type Config struct {
	TickInterval    time.Duration
	MoerThreshold   int           // Pause above this percentile
	MoerHold        time.Duration // Minimum pause extension on a high signal
	HeartbeatWindow time.Duration // Resend an unchanged window after this long
	TOUStartHour    int           // Peak window start, local time
	TOUEndHour      int           // Peak window end, local time
	Timezone        string
	DownlinkAuthHex string // Optional hex command-auth key
	DispatchTimeout time.Duration
}

// DefaultConfig returns default scheduler configuration
func DefaultConfig() Config {
	return Config{
		TickInterval:    5 * time.Minute,
		MoerThreshold:   70,
		MoerHold:        30 * time.Minute,
		HeartbeatWindow: 30 * time.Minute,
		TOUStartHour:    17,
		TOUEndHour:      21,
		Timezone:        "America/Denver",
		DispatchTimeout: 10 * time.Second,
	}
}

// Scheduler runs the per-device pause/allow decision on a fixed tick
type Scheduler struct {
	config    Config
	db        *storage.DB
	registry  *registry.Registry
	transport transport.Transport
	carbon    CarbonSource
	loc       *time.Location
	authKey   []byte

	stopChan chan struct{}
	wg       sync.WaitGroup

	// Injectable clock for tests
	now func() time.Time
}

// New creates a scheduler
func New(config Config, db *storage.DB, reg *registry.Registry, tr transport.Transport, carbon CarbonSource) (*Scheduler, error) {
	loc, err := time.LoadLocation(config.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %s: %w", config.Timezone, err)
	}

	s := &Scheduler{
		config:    config,
		db:        db,
		registry:  reg,
		transport: tr,
		carbon:    carbon,
		loc:       loc,
		stopChan:  make(chan struct{}),
		now:       time.Now,
	}

	if config.DownlinkAuthHex != "" {
		key, err := protocol.ParseAuthKey(config.DownlinkAuthHex)
		if err != nil {
			return nil, fmt.Errorf("bad downlink auth key: %w", err)
		}
		s.authKey = key
	}

	return s, nil
}

// Start begins the periodic scheduling loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.wg.Add(1)
	go s.run(ctx)
	log.Printf("[scheduler] Started: tick=%v, moer_threshold=%d, tou=%02d:00-%02d:00 %s",
		s.config.TickInterval, s.config.MoerThreshold,
		s.config.TOUStartHour, s.config.TOUEndHour, s.config.Timezone)
	return nil
}

// Stop halts the scheduling loop
func (s *Scheduler) Stop() error {
	close(s.stopChan)
	s.wg.Wait()
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx, false); err != nil {
				log.Printf("[scheduler] Tick failed: %v", err)
			}
		}
	}
}

// Tick runs one scheduling pass over the active fleet. With force set,
// unchanged decisions are re-sent instead of deduplicated; the
// convergence loop uses that to re-push intent at a diverged device.
func (s *Scheduler) Tick(ctx context.Context, force bool) error {
	devices, err := s.registry.ActiveDevices()
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}

	moer, moerOK := s.carbon.SignalIndex()

	for _, dev := range devices {
		if err := s.decide(ctx, dev, moer, moerOK, force); err != nil {
			log.Printf("[scheduler] Decision failed for %s: %v", dev.ShortID, err)
		}
	}
	return nil
}

// ForceDevice re-runs the decision for one device with dedup disabled
func (s *Scheduler) ForceDevice(ctx context.Context, deviceID string) error {
	dev, err := s.db.GetDevice(deviceID)
	if err != nil {
		return err
	}
	if dev == nil {
		return fmt.Errorf("unknown device %s", deviceID)
	}

	moer, moerOK := s.carbon.SignalIndex()
	return s.decide(ctx, dev, moer, moerOK, true)
}

func (s *Scheduler) decide(ctx context.Context, dev *storage.Device, moer int, moerOK bool, force bool) error {
	now := s.now().In(s.loc)
	nowUnix := now.Unix()
	nowSC := protocol.ToSC(nowUnix)

	touPeak := s.inTOUPeak(now)
	moerHigh := moerOK && moer > s.config.MoerThreshold
	shouldPause := touPeak || moerHigh

	var parts []string
	if touPeak {
		parts = append(parts, "tou_peak")
	}
	if moerHigh {
		parts = append(parts, "moer_high")
	}
	reason := storage.CmdOffPeak
	if len(parts) > 0 {
		reason = strings.Join(parts, ",")
	}

	moerRecord := -1
	if moerOK {
		moerRecord = moer
	}

	state, err := s.db.GetDeviceState(dev.ShortID)
	if err != nil {
		return err
	}

	// Expired charge-now overrides are dropped rather than carried
	// forward on the next write.
	if state != nil && state.OverrideUntil > 0 && state.OverrideUntil <= nowUnix {
		if err := s.db.ClearOverride(dev.ShortID); err != nil {
			return err
		}
		state.OverrideUntil = 0
	}

	if shouldPause && state != nil && state.OverrideUntil > nowUnix {
		// Owner pressed charge-now: honor it for the override window,
		// record the skipped pause, send nothing.
		return s.db.PutSchedulerIntent(dev.ShortID, &storage.SchedulerIntent{
			LastCommand:   storage.CmdChargeNowOptout,
			Reason:        reason,
			MoerPercent:   moerRecord,
			TouPeak:       touPeak,
			WindowStartSC: stateWindowStart(state),
			WindowEndSC:   stateWindowEnd(state),
			SentUnix:      stateSentUnix(state),
		})
	}

	if !shouldPause {
		return s.decideOffPeak(ctx, dev, state, reason, moerRecord, touPeak, nowUnix, force)
	}

	// Pause: build the delay window end from every active cause.
	endSC := nowSC
	if touPeak {
		if touEndSC := protocol.ToSC(s.touEndToday(now).Unix()); touEndSC > endSC {
			endSC = touEndSC
		}
	}
	if moerHigh {
		if holdEnd := nowSC + int64(s.config.MoerHold.Seconds()); holdEnd > endSC {
			endSC = holdEnd
		}
	}

	// Heartbeat dedup: an unchanged window is re-sent only after the
	// heartbeat interval, so a rebooted device still re-learns intent.
	stale := state == nil || nowUnix-state.SentUnix >= int64(s.config.HeartbeatWindow.Seconds())
	changed := state == nil || state.WindowEndSC != endSC
	if !force && !stale && !changed {
		return s.db.PutSchedulerIntent(dev.ShortID, &storage.SchedulerIntent{
			LastCommand:   state.LastCommand,
			Reason:        reason,
			MoerPercent:   moerRecord,
			TouPeak:       touPeak,
			WindowStartSC: state.WindowStartSC,
			WindowEndSC:   state.WindowEndSC,
			SentUnix:      state.SentUnix,
		})
	}

	payload := protocol.BuildDelayWindow(uint32(nowSC), uint32(endSC))
	if err := s.send(ctx, dev, payload); err != nil {
		return err
	}

	intent := &storage.SchedulerIntent{
		LastCommand:   storage.CmdDelayWindow,
		Reason:        reason,
		MoerPercent:   moerRecord,
		TouPeak:       touPeak,
		WindowStartSC: nowSC,
		WindowEndSC:   endSC,
		SentUnix:      nowUnix,
	}
	if err := s.db.PutSchedulerIntent(dev.ShortID, intent); err != nil {
		return err
	}
	return s.logCommand(dev.ShortID, now, intent)
}

// decideOffPeak handles the allow side: cancel an active delay window,
// or re-push allow when the convergence loop forces it.
func (s *Scheduler) decideOffPeak(ctx context.Context, dev *storage.Device, state *storage.DeviceState, reason string, moerRecord int, touPeak bool, nowUnix int64, force bool) error {
	lastCmd := ""
	if state != nil {
		lastCmd = state.LastCommand
	}

	sendAllow := lastCmd == storage.CmdDelayWindow || (force && lastCmd == storage.CmdAllow)
	if !sendAllow {
		// Nothing to send; keep the last command so a later forced pass
		// can still re-push it.
		intent := &storage.SchedulerIntent{
			LastCommand: lastCmd,
			Reason:      reason,
			MoerPercent: moerRecord,
			TouPeak:     touPeak,
		}
		if state != nil {
			intent.WindowStartSC = state.WindowStartSC
			intent.WindowEndSC = state.WindowEndSC
			intent.SentUnix = state.SentUnix
		}
		return s.db.PutSchedulerIntent(dev.ShortID, intent)
	}

	if err := s.send(ctx, dev, protocol.BuildChargeControl(true)); err != nil {
		return err
	}

	intent := &storage.SchedulerIntent{
		LastCommand: storage.CmdAllow,
		Reason:      reason,
		MoerPercent: moerRecord,
		TouPeak:     touPeak,
		SentUnix:    nowUnix,
	}
	if err := s.db.PutSchedulerIntent(dev.ShortID, intent); err != nil {
		return err
	}
	return s.logCommand(dev.ShortID, s.now().In(s.loc), intent)
}

// send queues a downlink, auth-tagged when a key is configured
func (s *Scheduler) send(ctx context.Context, dev *storage.Device, payload []byte) error {
	if s.authKey != nil {
		tagged, err := protocol.AppendAuthTag(s.authKey, payload)
		if err != nil {
			return err
		}
		payload = tagged
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.config.DispatchTimeout)
	defer cancel()
	return s.transport.SendDownlink(sendCtx, dev.WirelessID, payload)
}

// logCommand appends a charge_scheduler_command event
func (s *Scheduler) logCommand(deviceID string, now time.Time, intent *storage.SchedulerIntent) error {
	data, err := json.Marshal(map[string]interface{}{
		"command":         intent.LastCommand,
		"reason":          intent.Reason,
		"moer":            intent.MoerPercent,
		"tou_peak":        intent.TouPeak,
		"window_start_sc": intent.WindowStartSC,
		"window_end_sc":   intent.WindowEndSC,
	})
	if err != nil {
		return err
	}

	return s.db.InsertEvent(&storage.Event{
		DeviceID:    deviceID,
		TimestampMT: storage.TimestampMT(now, s.loc),
		EventType:   storage.EventSchedulerCommand,
		TimeSource:  storage.TimeSourceCloudPresync,
		ReceivedMS:  now.UnixMilli(),
		Data:        string(data),
		ExpiresAt:   now.Add(storage.EventTTL).Unix(),
	}, s.loc)
}

// inTOUPeak reports whether local time is inside the weekday peak window
func (s *Scheduler) inTOUPeak(now time.Time) bool {
	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return now.Hour() >= s.config.TOUStartHour && now.Hour() < s.config.TOUEndHour
}

// touEndToday returns today's peak window end in local time
func (s *Scheduler) touEndToday(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), s.config.TOUEndHour, 0, 0, 0, s.loc)
}

func stateWindowStart(s *storage.DeviceState) int64 {
	if s == nil {
		return 0
	}
	return s.WindowStartSC
}

func stateWindowEnd(s *storage.DeviceState) int64 {
	if s == nil {
		return 0
	}
	return s.WindowEndSC
}

func stateSentUnix(s *storage.DeviceState) int64 {
	if s == nil {
		return 0
	}
	return s.SentUnix
}
