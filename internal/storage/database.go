// Package storage provides the durable store for the orchestrator: the
// device registry, the append-only event log, per-device state snapshots,
// OTA sessions, and daily aggregates.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	-- Device registry
	CREATE TABLE IF NOT EXISTS devices (
		short_id TEXT PRIMARY KEY,
		wireless_id TEXT NOT NULL,
		network_id TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		owner_name TEXT,
		owner_email TEXT,
		app_version INTEGER DEFAULT 0,
		last_seen DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_devices_wireless ON devices(wireless_id);
	-- Sparse by construction: rows without an owner are excluded
	CREATE INDEX IF NOT EXISTS idx_devices_owner ON devices(owner_email) WHERE owner_email IS NOT NULL;

	-- Append-only event log, sorted by Mountain-Time string key
	CREATE TABLE IF NOT EXISTS events (
		device_id TEXT NOT NULL,
		timestamp_mt TEXT NOT NULL,
		event_type TEXT NOT NULL,
		time_source TEXT NOT NULL,
		device_epoch INTEGER DEFAULT 0,
		received_ms INTEGER NOT NULL,
		data TEXT,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (device_id, timestamp_mt)
	);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type, timestamp_mt);
	CREATE INDEX IF NOT EXISTS idx_events_expires ON events(expires_at);

	-- Mutable per-device snapshot
	CREATE TABLE IF NOT EXISTS device_state (
		device_id TEXT PRIMARY KEY,

		pilot_state TEXT DEFAULT '',
		pilot_mv INTEGER DEFAULT 0,
		current_ma INTEGER DEFAULT 0,
		charge_allowed INTEGER DEFAULT 0,
		charge_now INTEGER DEFAULT 0,
		fault_mask INTEGER DEFAULT 0,
		app_build INTEGER DEFAULT 0,
		platform_build INTEGER DEFAULT 0,
		last_uplink_unix INTEGER DEFAULT 0,

		last_command TEXT DEFAULT '',
		reason TEXT DEFAULT '',
		moer_percent INTEGER DEFAULT -1,
		tou_peak INTEGER DEFAULT 0,
		window_start_sc INTEGER DEFAULT 0,
		window_end_sc INTEGER DEFAULT 0,
		sent_unix INTEGER DEFAULT 0,
		override_until INTEGER DEFAULT 0,

		last_sync_unix INTEGER DEFAULT 0,
		last_sync_epoch INTEGER DEFAULT 0,

		div_retries INTEGER DEFAULT 0,
		div_last_unix INTEGER DEFAULT 0,
		div_sched_cmd TEXT DEFAULT '',
		div_dev_allowed INTEGER DEFAULT 0
	);

	-- Active OTA transfer sessions, at most one per device
	CREATE TABLE IF NOT EXISTS ota_sessions (
		device_id TEXT PRIMARY KEY,
		bucket TEXT NOT NULL,
		key TEXT NOT NULL,
		fw_size INTEGER NOT NULL,
		fw_crc32 INTEGER NOT NULL,
		total_chunks INTEGER NOT NULL,
		chunk_size INTEGER NOT NULL,
		version INTEGER DEFAULT 0,
		signed INTEGER DEFAULT 0,
		next_chunk INTEGER DEFAULT 0,
		highest_acked INTEGER DEFAULT 0,
		retries INTEGER DEFAULT 0,
		restarts INTEGER DEFAULT 0,
		status TEXT NOT NULL,
		delta_chunks TEXT,
		delta_cursor INTEGER DEFAULT 0,
		baseline_crc32 INTEGER DEFAULT 0,
		baseline_size INTEGER DEFAULT 0,
		started_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Daily per-device roll-ups
	CREATE TABLE IF NOT EXISTS daily_aggregates (
		device_id TEXT NOT NULL,
		date TEXT NOT NULL,
		uplink_count INTEGER DEFAULT 0,
		expected_uplinks INTEGER DEFAULT 0,
		availability_pct REAL DEFAULT 0,
		charging_seconds INTEGER DEFAULT 0,
		energy_wh REAL DEFAULT 0,
		fault_sensor INTEGER DEFAULT 0,
		fault_clamp INTEGER DEFAULT 0,
		fault_interlock INTEGER DEFAULT 0,
		fault_selftest INTEGER DEFAULT 0,
		peak_current_ma INTEGER DEFAULT 0,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (device_id, date)
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// --- Device Registry ---

// InsertDevice inserts a new registry row. Empty owner fields are stored
// as NULL so the partial owner index stays sparse.
func (db *DB) InsertDevice(d *Device) error {
	query := `
		INSERT INTO devices (short_id, wireless_id, network_id, status, owner_name, owner_email, app_version, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.conn.Exec(query, d.ShortID, d.WirelessID, nullIfEmpty(d.NetworkID),
		d.Status, nullIfEmpty(d.OwnerName), nullIfEmpty(d.OwnerEmail),
		d.AppVersion, d.LastSeen, d.CreatedAt)
	return err
}

// GetDevice retrieves a device by short ID. Returns (nil, nil) when absent.
func (db *DB) GetDevice(shortID string) (*Device, error) {
	query := `SELECT short_id, wireless_id, network_id, status, owner_name, owner_email,
		app_version, last_seen, created_at FROM devices WHERE short_id = ?`

	d := &Device{}
	var networkID, ownerName, ownerEmail sql.NullString
	var lastSeen sql.NullTime
	err := db.conn.QueryRow(query, shortID).Scan(&d.ShortID, &d.WirelessID, &networkID,
		&d.Status, &ownerName, &ownerEmail, &d.AppVersion, &lastSeen, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.NetworkID = networkID.String
	d.OwnerName = ownerName.String
	d.OwnerEmail = ownerEmail.String
	if lastSeen.Valid {
		d.LastSeen = lastSeen.Time
	}
	return d, nil
}

// TouchDevice updates last-seen, and the reported app version when
// non-zero. Owner metadata is never touched.
func (db *DB) TouchDevice(shortID string, lastSeen time.Time, appVersion int) error {
	if appVersion > 0 {
		_, err := db.conn.Exec(
			"UPDATE devices SET last_seen = ?, app_version = ? WHERE short_id = ?",
			lastSeen, appVersion, shortID)
		return err
	}
	_, err := db.conn.Exec("UPDATE devices SET last_seen = ? WHERE short_id = ?",
		lastSeen, shortID)
	return err
}

// GetActiveDevices retrieves all devices with status = active.
func (db *DB) GetActiveDevices() ([]*Device, error) {
	query := `SELECT short_id, wireless_id, network_id, status, owner_name, owner_email,
		app_version, last_seen, created_at FROM devices WHERE status = ? ORDER BY short_id`

	rows, err := db.conn.Query(query, DeviceStatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d := &Device{}
		var networkID, ownerName, ownerEmail sql.NullString
		var lastSeen sql.NullTime
		if err := rows.Scan(&d.ShortID, &d.WirelessID, &networkID, &d.Status,
			&ownerName, &ownerEmail, &d.AppVersion, &lastSeen, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.NetworkID = networkID.String
		d.OwnerName = ownerName.String
		d.OwnerEmail = ownerEmail.String
		if lastSeen.Valid {
			d.LastSeen = lastSeen.Time
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// --- Event Log ---

// TimestampMT formats a time as the event sort key.
func TimestampMT(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02 15:04:05.000")
}

// BumpTimestampMT advances a sort key by one millisecond. Used for
// synthesized rows that must not collide with the triggering event.
func BumpTimestampMT(ts string, loc *time.Location) (string, error) {
	t, err := time.ParseInLocation("2006-01-02 15:04:05.000", ts, loc)
	if err != nil {
		return "", fmt.Errorf("bad sort key %q: %w", ts, err)
	}
	return t.Add(time.Millisecond).Format("2006-01-02 15:04:05.000"), nil
}

// InsertEvent appends an event row. On a sort-key collision the key is
// bumped by one millisecond and retried, preserving per-device monotonicity.
func (db *DB) InsertEvent(e *Event, loc *time.Location) error {
	query := `INSERT INTO events (device_id, timestamp_mt, event_type, time_source, device_epoch, received_ms, data, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	ts := e.TimestampMT
	for attempt := 0; attempt < 10; attempt++ {
		_, err := db.conn.Exec(query, e.DeviceID, ts, e.EventType, e.TimeSource,
			e.DeviceEpoch, e.ReceivedMS, e.Data, e.ExpiresAt)
		if err == nil {
			e.TimestampMT = ts
			return nil
		}
		if !isUniqueViolation(err) {
			return err
		}
		ts, err = BumpTimestampMT(ts, loc)
		if err != nil {
			return err
		}
	}
	return fmt.Errorf("could not place event for %s at %s after 10 bumps", e.DeviceID, e.TimestampMT)
}

func isUniqueViolation(err error) bool {
	// mattn/go-sqlite3 reports constraint failures in the message; matching
	// on the text avoids importing the driver's error types everywhere.
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY must be unique"))
}

// EventsForDevice retrieves events for one device at or after sinceMT,
// newest first.
func (db *DB) EventsForDevice(deviceID, sinceMT string, limit int) ([]*Event, error) {
	query := `SELECT device_id, timestamp_mt, event_type, time_source, device_epoch, received_ms, data, expires_at
		FROM events WHERE device_id = ? AND timestamp_mt >= ?
		ORDER BY timestamp_mt DESC LIMIT ?`
	return db.queryEvents(query, deviceID, sinceMT, limit)
}

// EventsByType retrieves events of one type across the fleet at or after
// sinceMT, newest first.
func (db *DB) EventsByType(eventType, sinceMT string, limit int) ([]*Event, error) {
	query := `SELECT device_id, timestamp_mt, event_type, time_source, device_epoch, received_ms, data, expires_at
		FROM events WHERE event_type = ? AND timestamp_mt >= ?
		ORDER BY timestamp_mt DESC LIMIT ?`
	return db.queryEvents(query, eventType, sinceMT, limit)
}

// EventsForDeviceByType retrieves one device's events of one type in an
// inclusive sort-key range, oldest first. Used by the daily roll-up.
func (db *DB) EventsForDeviceByType(deviceID, eventType, fromMT, toMT string) ([]*Event, error) {
	query := `SELECT device_id, timestamp_mt, event_type, time_source, device_epoch, received_ms, data, expires_at
		FROM events WHERE device_id = ? AND event_type = ? AND timestamp_mt >= ? AND timestamp_mt < ?
		ORDER BY timestamp_mt`

	rows, err := db.conn.Query(query, deviceID, eventType, fromMT, toMT)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (db *DB) queryEvents(query string, args ...interface{}) ([]*Event, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var data sql.NullString
		if err := rows.Scan(&e.DeviceID, &e.TimestampMT, &e.EventType, &e.TimeSource,
			&e.DeviceEpoch, &e.ReceivedMS, &data, &e.ExpiresAt); err != nil {
			return nil, err
		}
		e.Data = data.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// PurgeExpiredEvents drops event rows past their TTL. Returns the number
// of rows removed.
func (db *DB) PurgeExpiredEvents(now time.Time) (int64, error) {
	res, err := db.conn.Exec("DELETE FROM events WHERE expires_at < ?", now.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Device State ---

// ensureState creates the state row for a device if missing.
func (db *DB) ensureState(deviceID string) error {
	_, err := db.conn.Exec(
		"INSERT INTO device_state (device_id) VALUES (?) ON CONFLICT(device_id) DO NOTHING",
		deviceID)
	return err
}

// GetDeviceState retrieves the state snapshot. Returns (nil, nil) when the
// device has no row yet.
func (db *DB) GetDeviceState(deviceID string) (*DeviceState, error) {
	query := `SELECT device_id, pilot_state, pilot_mv, current_ma, charge_allowed, charge_now,
		fault_mask, app_build, platform_build, last_uplink_unix,
		last_command, reason, moer_percent, tou_peak, window_start_sc, window_end_sc, sent_unix, override_until,
		last_sync_unix, last_sync_epoch,
		div_retries, div_last_unix, div_sched_cmd, div_dev_allowed
		FROM device_state WHERE device_id = ?`

	s := &DeviceState{}
	err := db.conn.QueryRow(query, deviceID).Scan(&s.DeviceID, &s.PilotState, &s.PilotMV,
		&s.CurrentMA, &s.ChargeAllowed, &s.ChargeNow, &s.FaultMask, &s.AppBuild, &s.PlatformBuild,
		&s.LastUplinkUnix, &s.LastCommand, &s.Reason, &s.MoerPercent, &s.TouPeak,
		&s.WindowStartSC, &s.WindowEndSC, &s.SentUnix, &s.OverrideUntil,
		&s.LastSyncUnix, &s.LastSyncEpoch,
		&s.DivergenceRetries, &s.DivergenceLastUnix, &s.DivergenceSchedCmd, &s.DivergenceDevAllowed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// UpdateTelemetrySnapshot writes the latest-telemetry column group.
func (db *DB) UpdateTelemetrySnapshot(deviceID string, s *DeviceState) error {
	if err := db.ensureState(deviceID); err != nil {
		return err
	}
	_, err := db.conn.Exec(`UPDATE device_state SET
		pilot_state = ?, pilot_mv = ?, current_ma = ?, charge_allowed = ?, charge_now = ?,
		fault_mask = ?, app_build = ?, platform_build = ?, last_uplink_unix = ?
		WHERE device_id = ?`,
		s.PilotState, s.PilotMV, s.CurrentMA, s.ChargeAllowed, s.ChargeNow,
		s.FaultMask, s.AppBuild, s.PlatformBuild, s.LastUplinkUnix, deviceID)
	return err
}

// SchedulerIntent is the scheduler-owned column group.
type SchedulerIntent struct {
	LastCommand   string
	Reason        string
	MoerPercent   int
	TouPeak       bool
	WindowStartSC int64
	WindowEndSC   int64
	SentUnix      int64
}

// PutSchedulerIntent writes the scheduler column group. The charge-now
// override column is owned by the uplink path and left alone here.
func (db *DB) PutSchedulerIntent(deviceID string, in *SchedulerIntent) error {
	if err := db.ensureState(deviceID); err != nil {
		return err
	}
	_, err := db.conn.Exec(`UPDATE device_state SET
		last_command = ?, reason = ?, moer_percent = ?, tou_peak = ?,
		window_start_sc = ?, window_end_sc = ?, sent_unix = ?
		WHERE device_id = ?`,
		in.LastCommand, in.Reason, in.MoerPercent, in.TouPeak,
		in.WindowStartSC, in.WindowEndSC, in.SentUnix, deviceID)
	return err
}

// SetOverride records a charge-now opt-out expiry.
func (db *DB) SetOverride(deviceID string, until int64) error {
	if err := db.ensureState(deviceID); err != nil {
		return err
	}
	_, err := db.conn.Exec("UPDATE device_state SET override_until = ? WHERE device_id = ?",
		until, deviceID)
	return err
}

// ClearOverride drops an expired charge-now opt-out.
func (db *DB) ClearOverride(deviceID string) error {
	_, err := db.conn.Exec("UPDATE device_state SET override_until = 0 WHERE device_id = ?",
		deviceID)
	return err
}

// PutTimeSync records the last time-sync downlink.
func (db *DB) PutTimeSync(deviceID string, syncUnix, syncEpoch int64) error {
	if err := db.ensureState(deviceID); err != nil {
		return err
	}
	_, err := db.conn.Exec(
		"UPDATE device_state SET last_sync_unix = ?, last_sync_epoch = ? WHERE device_id = ?",
		syncUnix, syncEpoch, deviceID)
	return err
}

// PutDivergence writes the divergence tracker column group.
func (db *DB) PutDivergence(deviceID string, retries int, lastUnix int64, schedCmd string, devAllowed bool) error {
	if err := db.ensureState(deviceID); err != nil {
		return err
	}
	_, err := db.conn.Exec(`UPDATE device_state SET
		div_retries = ?, div_last_unix = ?, div_sched_cmd = ?, div_dev_allowed = ?
		WHERE device_id = ?`,
		retries, lastUnix, schedCmd, devAllowed, deviceID)
	return err
}

// ResetDivergence zeroes the divergence counter after re-convergence.
func (db *DB) ResetDivergence(deviceID string) error {
	_, err := db.conn.Exec(
		"UPDATE device_state SET div_retries = 0, div_sched_cmd = '', div_dev_allowed = 0 WHERE device_id = ?",
		deviceID)
	return err
}

// --- OTA Sessions ---

// GetOTASession retrieves the active session for a device, or (nil, nil).
func (db *DB) GetOTASession(deviceID string) (*OTASession, error) {
	query := `SELECT device_id, bucket, key, fw_size, fw_crc32, total_chunks, chunk_size,
		version, signed, next_chunk, highest_acked, retries, restarts, status,
		delta_chunks, delta_cursor, baseline_crc32, baseline_size, started_at, updated_at
		FROM ota_sessions WHERE device_id = ?`

	s := &OTASession{}
	var deltaJSON sql.NullString
	err := db.conn.QueryRow(query, deviceID).Scan(&s.DeviceID, &s.Bucket, &s.Key,
		&s.FwSize, &s.FwCRC32, &s.TotalChunks, &s.ChunkSize, &s.Version, &s.Signed,
		&s.NextChunk, &s.HighestAcked, &s.Retries, &s.Restarts, &s.Status,
		&deltaJSON, &s.DeltaCursor, &s.BaselineCRC32, &s.BaselineSize, &s.StartedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if deltaJSON.Valid && deltaJSON.String != "" {
		if err := json.Unmarshal([]byte(deltaJSON.String), &s.DeltaChunks); err != nil {
			return nil, fmt.Errorf("corrupt delta chunk list for %s: %w", deviceID, err)
		}
	}
	return s, nil
}

// PutOTASession upserts the session row and refreshes updated_at.
func (db *DB) PutOTASession(s *OTASession) error {
	var deltaJSON interface{}
	if s.DeltaChunks != nil {
		b, err := json.Marshal(s.DeltaChunks)
		if err != nil {
			return err
		}
		deltaJSON = string(b)
	}

	s.UpdatedAt = time.Now().Unix()

	query := `INSERT INTO ota_sessions (device_id, bucket, key, fw_size, fw_crc32, total_chunks,
		chunk_size, version, signed, next_chunk, highest_acked, retries, restarts, status,
		delta_chunks, delta_cursor, baseline_crc32, baseline_size, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			bucket = excluded.bucket, key = excluded.key, fw_size = excluded.fw_size,
			fw_crc32 = excluded.fw_crc32, total_chunks = excluded.total_chunks,
			chunk_size = excluded.chunk_size, version = excluded.version, signed = excluded.signed,
			next_chunk = excluded.next_chunk, highest_acked = excluded.highest_acked,
			retries = excluded.retries, restarts = excluded.restarts, status = excluded.status,
			delta_chunks = excluded.delta_chunks, delta_cursor = excluded.delta_cursor,
			baseline_crc32 = excluded.baseline_crc32, baseline_size = excluded.baseline_size,
			started_at = excluded.started_at, updated_at = excluded.updated_at`

	_, err := db.conn.Exec(query, s.DeviceID, s.Bucket, s.Key, s.FwSize, s.FwCRC32,
		s.TotalChunks, s.ChunkSize, s.Version, s.Signed, s.NextChunk, s.HighestAcked,
		s.Retries, s.Restarts, s.Status, deltaJSON, s.DeltaCursor,
		s.BaselineCRC32, s.BaselineSize, s.StartedAt, s.UpdatedAt)
	return err
}

// ClearOTASession deletes the session row.
func (db *DB) ClearOTASession(deviceID string) error {
	_, err := db.conn.Exec("DELETE FROM ota_sessions WHERE device_id = ?", deviceID)
	return err
}

// GetActiveOTASessions lists all sessions, for the retry tick.
func (db *DB) GetActiveOTASessions() ([]*OTASession, error) {
	rows, err := db.conn.Query("SELECT device_id FROM ota_sessions ORDER BY device_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var sessions []*OTASession
	for _, id := range ids {
		s, err := db.GetOTASession(id)
		if err != nil {
			return nil, err
		}
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	return sessions, nil
}

// --- Daily Aggregates ---

// UpsertDailyAggregate writes a per-device per-day roll-up.
func (db *DB) UpsertDailyAggregate(a *DailyAggregate) error {
	query := `INSERT INTO daily_aggregates (device_id, date, uplink_count, expected_uplinks,
		availability_pct, charging_seconds, energy_wh, fault_sensor, fault_clamp,
		fault_interlock, fault_selftest, peak_current_ma, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, date) DO UPDATE SET
			uplink_count = excluded.uplink_count, expected_uplinks = excluded.expected_uplinks,
			availability_pct = excluded.availability_pct, charging_seconds = excluded.charging_seconds,
			energy_wh = excluded.energy_wh, fault_sensor = excluded.fault_sensor,
			fault_clamp = excluded.fault_clamp, fault_interlock = excluded.fault_interlock,
			fault_selftest = excluded.fault_selftest, peak_current_ma = excluded.peak_current_ma,
			expires_at = excluded.expires_at`

	_, err := db.conn.Exec(query, a.DeviceID, a.Date, a.UplinkCount, a.ExpectedUplinks,
		a.AvailabilityPct, a.ChargingSeconds, a.EnergyWh, a.FaultSensor, a.FaultClamp,
		a.FaultInterlock, a.FaultSelftest, a.PeakCurrentMA, a.ExpiresAt)
	return err
}

// GetDailyAggregate retrieves one roll-up row, or (nil, nil).
func (db *DB) GetDailyAggregate(deviceID, date string) (*DailyAggregate, error) {
	query := `SELECT device_id, date, uplink_count, expected_uplinks, availability_pct,
		charging_seconds, energy_wh, fault_sensor, fault_clamp, fault_interlock,
		fault_selftest, peak_current_ma, expires_at
		FROM daily_aggregates WHERE device_id = ? AND date = ?`

	a := &DailyAggregate{}
	err := db.conn.QueryRow(query, deviceID, date).Scan(&a.DeviceID, &a.Date,
		&a.UplinkCount, &a.ExpectedUplinks, &a.AvailabilityPct, &a.ChargingSeconds,
		&a.EnergyWh, &a.FaultSensor, &a.FaultClamp, &a.FaultInterlock, &a.FaultSelftest,
		&a.PeakCurrentMA, &a.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
