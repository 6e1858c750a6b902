// Package ota drives firmware transfers over the 19-byte downlink MTU.
// An image is cut into 15-byte chunks and walked one chunk per device
// ACK; when a usable baseline exists only the changed chunks go out.
// Session state is durable, so the engine picks up mid-transfer after a
// restart.
package ota

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"log"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/sidecharge/orchestrator/internal/objstore"
	"github.com/sidecharge/orchestrator/internal/protocol"
	"github.com/sidecharge/orchestrator/internal/storage"
	"github.com/sidecharge/orchestrator/internal/transport"
)

// Config holds OTA engine configuration
type Config struct {
	ChunkSize       int           // Payload bytes per chunk
	MaxRetries      int           // Per-chunk retry budget
	MaxRestarts     int           // NO_SESSION restart budget
	RetryInterval   time.Duration // Retry sweep tick
	StaleAfter      time.Duration // Session idle time before a retry fires
	Timezone        string
	SigningPubHex   string // When set, deploys require a valid signature
	DispatchTimeout time.Duration
}

// DefaultConfig returns default OTA engine configuration
func DefaultConfig() Config {
	return Config{
		ChunkSize:       15,
		MaxRetries:      5,
		MaxRestarts:     3,
		RetryInterval:   time.Minute,
		StaleAfter:      30 * time.Second,
		Timezone:        "America/Denver",
		DispatchTimeout: 10 * time.Second,
	}
}

var versionKeyRe = regexp.MustCompile(`-v(\d+)\.bin$`)

// Engine runs the per-device OTA state machines
type Engine struct {
	config    Config
	db        *storage.DB
	store     objstore.Store
	bucket    string
	transport transport.Transport
	loc       *time.Location
	pubKey    ed25519.PublicKey

	// In-memory image cache keyed by object key
	cacheMu sync.Mutex
	cache   map[string][]byte

	stopChan chan struct{}
	wg       sync.WaitGroup

	now func() time.Time
}

// New creates an OTA engine
func New(config Config, db *storage.DB, store objstore.Store, bucket string, tr transport.Transport) (*Engine, error) {
	loc, err := time.LoadLocation(config.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %s: %w", config.Timezone, err)
	}

	e := &Engine{
		config:    config,
		db:        db,
		store:     store,
		bucket:    bucket,
		transport: tr,
		loc:       loc,
		cache:     make(map[string][]byte),
		stopChan:  make(chan struct{}),
		now:       time.Now,
	}

	if config.SigningPubHex != "" {
		pub, err := ParsePublicKey(config.SigningPubHex)
		if err != nil {
			return nil, fmt.Errorf("bad signing public key: %w", err)
		}
		e.pubKey = pub
	}

	return e, nil
}

// Start begins the retry sweep loop
func (e *Engine) Start(ctx context.Context) error {
	e.wg.Add(1)
	go e.retryLoop(ctx)
	log.Printf("[ota] Engine started: chunk=%dB, max_retries=%d, max_restarts=%d",
		e.config.ChunkSize, e.config.MaxRetries, e.config.MaxRestarts)
	return nil
}

// Stop halts the retry loop
func (e *Engine) Stop() error {
	close(e.stopChan)
	e.wg.Wait()
	return nil
}

func (e *Engine) retryLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.RetryTick(ctx); err != nil {
				log.Printf("[ota] Retry tick failed: %v", err)
			}
		}
	}
}

// Deploy starts a session for every listed device. Used by the object
// watcher and the operator CLI.
func (e *Engine) Deploy(ctx context.Context, devices []*storage.Device, key string) {
	for _, dev := range devices {
		if err := e.StartSession(ctx, dev, key); err != nil {
			log.Printf("[ota] Failed to start session for %s: %v", dev.ShortID, err)
		}
	}
}

// StartSession loads the image, computes the transfer plan, persists a
// session, and sends the START frame. An existing session for the
// device is replaced.
func (e *Engine) StartSession(ctx context.Context, dev *storage.Device, key string) error {
	image, err := e.loadImage(key)
	if err != nil {
		return err
	}

	signed := false
	if e.pubKey != nil {
		if _, ok := VerifyImage(e.pubKey, image); !ok {
			return fmt.Errorf("image %s failed signature verification", key)
		}
		signed = true
	}

	size := len(image)
	totalChunks := (size + e.config.ChunkSize - 1) / e.config.ChunkSize
	if totalChunks == 0 || totalChunks > 0xFFFF {
		return fmt.Errorf("image %s has unusable chunk count %d", key, totalChunks)
	}
	crc := crc32.ChecksumIEEE(image)
	version := parseVersionKey(key)

	sess := &storage.OTASession{
		DeviceID:    dev.ShortID,
		Bucket:      e.bucket,
		Key:         key,
		FwSize:      int64(size),
		FwCRC32:     crc,
		TotalChunks: totalChunks,
		ChunkSize:   e.config.ChunkSize,
		Version:     version,
		Signed:      signed,
		Status:      storage.OTAStarting,
		StartedAt:   e.now().Unix(),
	}

	// Delta plan whenever the baseline covers part of the image. An
	// identical image yields a zero-chunk delta session that goes
	// straight to validation after START.
	if baseline, err := e.loadBaseline(); err == nil && baseline != nil {
		delta := ComputeDelta(image, baseline, e.config.ChunkSize)
		if len(delta) < totalChunks {
			if delta == nil {
				delta = []int{}
			}
			sess.DeltaChunks = delta
			sess.BaselineCRC32 = crc32.ChecksumIEEE(baseline)
			sess.BaselineSize = int64(len(baseline))
		}
	}

	if err := e.db.PutOTASession(sess); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}

	if err := e.sendStart(ctx, dev.WirelessID, sess); err != nil {
		return err
	}

	mode := "full"
	if sess.DeltaMode() {
		mode = fmt.Sprintf("delta(%d/%d chunks)", len(sess.DeltaChunks), totalChunks)
	}
	log.Printf("[ota] Started %s session for %s: %s v%d, %d bytes, crc=0x%08X",
		mode, dev.ShortID, key, version, size, crc)

	return e.logEvent(dev.ShortID, storage.EventOTAStart, map[string]interface{}{
		"key":          key,
		"version":      version,
		"size":         size,
		"crc32":        crc,
		"total_chunks": totalChunks,
		"delta_chunks": len(sess.DeltaChunks),
		"signed":       signed,
	})
}

// HandleAck advances the session for a device ACK frame
func (e *Engine) HandleAck(ctx context.Context, dev *storage.Device, ack protocol.OTAAck) error {
	sess, err := e.db.GetOTASession(dev.ShortID)
	if err != nil {
		return err
	}
	if sess == nil {
		// Stray ACK from a cleared session; nothing to drive.
		return nil
	}

	switch {
	case ack.Status == protocol.OTAStatusNoSession:
		return e.handleNoSession(ctx, dev, sess)

	case ack.Status != protocol.OTAStatusOK:
		return e.handleErrorAck(ctx, dev, sess, ack)
	}

	// Stale ACK from a frame the network replayed out of order.
	if int(ack.ChunksReceived) < sess.HighestAcked {
		return nil
	}

	if sess.DeltaMode() {
		return e.advanceDelta(ctx, dev, sess, ack)
	}
	return e.advanceFull(ctx, dev, sess, ack)
}

func (e *Engine) handleNoSession(ctx context.Context, dev *storage.Device, sess *storage.OTASession) error {
	sess.Restarts++
	if sess.Restarts > e.config.MaxRestarts {
		return e.abort(ctx, dev, sess, "no_session_max_restarts")
	}

	sess.Status = storage.OTARestarting
	sess.NextChunk = 0
	sess.HighestAcked = 0
	sess.DeltaCursor = 0
	sess.Retries = 0
	if err := e.db.PutOTASession(sess); err != nil {
		return err
	}

	log.Printf("[ota] Device %s lost its session, restarting (%d/%d)",
		dev.ShortID, sess.Restarts, e.config.MaxRestarts)
	return e.sendStart(ctx, dev.WirelessID, sess)
}

func (e *Engine) handleErrorAck(ctx context.Context, dev *storage.Device, sess *storage.OTASession, ack protocol.OTAAck) error {
	sess.Retries++
	if sess.Retries > e.config.MaxRetries {
		return e.abort(ctx, dev, sess, "max_retries")
	}

	sess.Status = storage.OTARetrying
	if err := e.db.PutOTASession(sess); err != nil {
		return err
	}

	// The ACK's next_chunk is a sequence counter; in delta mode the
	// absolute chunk index comes from the delta list at the cursor.
	idx := int(ack.NextChunk)
	if sess.DeltaMode() {
		if sess.DeltaCursor >= len(sess.DeltaChunks) {
			return nil
		}
		idx = sess.DeltaChunks[sess.DeltaCursor]
	}

	log.Printf("[ota] Device %s reported %s for chunk %d, retry %d/%d",
		dev.ShortID, protocol.OTAStatusString(ack.Status), idx,
		sess.Retries, e.config.MaxRetries)
	return e.sendChunk(ctx, dev.WirelessID, sess, idx)
}

func (e *Engine) advanceFull(ctx context.Context, dev *storage.Device, sess *storage.OTASession, ack protocol.OTAAck) error {
	// Duplicate of the last ACK: same progress, no new chunk wanted.
	if int(ack.ChunksReceived) == sess.HighestAcked && int(ack.NextChunk) <= sess.NextChunk &&
		sess.Status != storage.OTAStarting && sess.Status != storage.OTARestarting {
		return nil
	}

	sess.HighestAcked = int(ack.ChunksReceived)

	if int(ack.NextChunk) >= sess.TotalChunks {
		sess.Status = storage.OTAValidating
		return e.db.PutOTASession(sess)
	}

	sess.NextChunk = int(ack.NextChunk)
	sess.Retries = 0
	sess.Status = storage.OTASending
	if err := e.db.PutOTASession(sess); err != nil {
		return err
	}
	return e.sendChunk(ctx, dev.WirelessID, sess, sess.NextChunk)
}

func (e *Engine) advanceDelta(ctx context.Context, dev *storage.Device, sess *storage.OTASession, ack protocol.OTAAck) error {
	// In delta mode the device counts received chunks; that count is the
	// cursor into the delta list.
	cursor := int(ack.ChunksReceived)
	sess.HighestAcked = cursor

	if cursor >= len(sess.DeltaChunks) {
		sess.Status = storage.OTAValidating
		return e.db.PutOTASession(sess)
	}

	sess.DeltaCursor = cursor
	sess.NextChunk = sess.DeltaChunks[cursor]
	sess.Retries = 0
	sess.Status = storage.OTASending
	if err := e.db.PutOTASession(sess); err != nil {
		return err
	}
	return e.sendChunk(ctx, dev.WirelessID, sess, sess.NextChunk)
}

// HandleComplete finishes a session. A passing result promotes the
// image to the fleet baseline; the session is cleared either way.
func (e *Engine) HandleComplete(ctx context.Context, dev *storage.Device, comp protocol.OTAComplete) error {
	sess, err := e.db.GetOTASession(dev.ShortID)
	if err != nil {
		return err
	}

	result := protocol.OTAStatusString(comp.Result)
	data := map[string]interface{}{
		"result":     result,
		"crc32_calc": comp.CRC32Calc,
	}
	if sess != nil {
		data["key"] = sess.Key
		data["version"] = sess.Version
	}
	if err := e.logEvent(dev.ShortID, storage.EventOTAComplete, data); err != nil {
		return err
	}

	if sess == nil {
		return nil
	}

	if comp.Result == protocol.OTAStatusOK {
		if err := e.store.Copy(sess.Key, objstore.BaselineKey); err != nil {
			log.Printf("[ota] Failed to promote %s to baseline: %v", sess.Key, err)
		} else {
			log.Printf("[ota] Device %s completed v%d, %s promoted to baseline",
				dev.ShortID, sess.Version, sess.Key)
		}
	} else {
		log.Printf("[ota] Device %s reported %s on COMPLETE (crc=0x%08X, want 0x%08X)",
			dev.ShortID, result, comp.CRC32Calc, sess.FwCRC32)
	}

	return e.db.ClearOTASession(dev.ShortID)
}

// HandleStatus records a device-initiated progress report
func (e *Engine) HandleStatus(dev *storage.Device, st protocol.OTAStatus) error {
	log.Printf("[ota] Device %s status: phase=%d, %d/%d chunks, app v%d",
		dev.ShortID, st.Phase, st.ChunksReceived, st.TotalChunks, st.AppVersion)
	return nil
}

// RetryTick re-drives sessions that have gone quiet
func (e *Engine) RetryTick(ctx context.Context) error {
	sessions, err := e.db.GetActiveOTASessions()
	if err != nil {
		return err
	}

	now := e.now().Unix()
	for _, sess := range sessions {
		if now-sess.UpdatedAt < int64(e.config.StaleAfter.Seconds()) {
			continue
		}

		dev, err := e.db.GetDevice(sess.DeviceID)
		if err != nil || dev == nil {
			log.Printf("[ota] Session for unknown device %s", sess.DeviceID)
			continue
		}

		sess.Retries++
		if sess.Retries > e.config.MaxRetries {
			if err := e.abort(ctx, dev, sess, "stale_max_retries"); err != nil {
				log.Printf("[ota] Abort failed for %s: %v", sess.DeviceID, err)
			}
			continue
		}

		if err := e.db.PutOTASession(sess); err != nil {
			return err
		}

		switch sess.Status {
		case storage.OTAStarting, storage.OTAValidating, storage.OTARestarting:
			// No chunk in flight: the device either missed START or went
			// quiet during validation, so re-anchor with START.
			if err := e.sendStart(ctx, dev.WirelessID, sess); err != nil {
				log.Printf("[ota] START resend failed for %s: %v", sess.DeviceID, err)
			}
		default:
			idx := sess.NextChunk
			if sess.DeltaMode() && sess.DeltaCursor < len(sess.DeltaChunks) {
				idx = sess.DeltaChunks[sess.DeltaCursor]
			}
			if err := e.sendChunk(ctx, dev.WirelessID, sess, idx); err != nil {
				log.Printf("[ota] Chunk resend failed for %s: %v", sess.DeviceID, err)
			}
		}
	}
	return nil
}

// Abort cancels a device's session from the operator CLI
func (e *Engine) Abort(ctx context.Context, deviceID, reason string) error {
	sess, err := e.db.GetOTASession(deviceID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("no active session for %s", deviceID)
	}
	dev, err := e.db.GetDevice(deviceID)
	if err != nil {
		return err
	}
	if dev == nil {
		return fmt.Errorf("unknown device %s", deviceID)
	}
	return e.abort(ctx, dev, sess, reason)
}

func (e *Engine) abort(ctx context.Context, dev *storage.Device, sess *storage.OTASession, reason string) error {
	log.Printf("[ota] Aborting session for %s: %s", dev.ShortID, reason)

	if err := e.logEvent(dev.ShortID, storage.EventOTAAborted, map[string]interface{}{
		"reason":  reason,
		"key":     sess.Key,
		"version": sess.Version,
	}); err != nil {
		return err
	}
	if err := e.db.ClearOTASession(dev.ShortID); err != nil {
		return err
	}
	return e.send(ctx, dev.WirelessID, protocol.BuildOTAAbort())
}

func (e *Engine) sendStart(ctx context.Context, wirelessID string, sess *storage.OTASession) error {
	var flags uint8
	if sess.Signed {
		flags |= protocol.OTAFlagSigned
	}
	// The device accepts and completes against the chunk count it will
	// actually receive, which in delta mode is the delta-list length.
	total := sess.TotalChunks
	if sess.DeltaMode() {
		total = len(sess.DeltaChunks)
	}
	payload := protocol.BuildOTAStart(uint32(sess.FwSize), uint16(total),
		uint16(sess.ChunkSize), sess.FwCRC32, uint32(sess.Version), flags)
	return e.send(ctx, wirelessID, payload)
}

func (e *Engine) sendChunk(ctx context.Context, wirelessID string, sess *storage.OTASession, idx int) error {
	image, err := e.loadImage(sess.Key)
	if err != nil {
		return err
	}
	data := chunkAt(image, sess.ChunkSize, idx)
	if data == nil {
		return fmt.Errorf("chunk %d out of range for %s", idx, sess.Key)
	}
	return e.send(ctx, wirelessID, protocol.BuildOTAChunk(uint16(idx), data))
}

func (e *Engine) send(ctx context.Context, wirelessID string, payload []byte) error {
	sendCtx, cancel := context.WithTimeout(ctx, e.config.DispatchTimeout)
	defer cancel()
	return e.transport.SendDownlink(sendCtx, wirelessID, payload)
}

func (e *Engine) loadImage(key string) ([]byte, error) {
	e.cacheMu.Lock()
	if image, ok := e.cache[key]; ok {
		e.cacheMu.Unlock()
		return image, nil
	}
	e.cacheMu.Unlock()

	image, err := e.store.Get(key)
	if err != nil {
		return nil, err
	}

	e.cacheMu.Lock()
	e.cache[key] = image
	e.cacheMu.Unlock()
	return image, nil
}

// loadBaseline returns (nil, nil) when no baseline exists yet
func (e *Engine) loadBaseline() ([]byte, error) {
	exists, err := e.store.Exists(objstore.BaselineKey)
	if err != nil || !exists {
		return nil, err
	}
	return e.store.Get(objstore.BaselineKey)
}

// InvalidateCache drops a cached image after a re-deploy of the same key
func (e *Engine) InvalidateCache(key string) {
	e.cacheMu.Lock()
	delete(e.cache, key)
	e.cacheMu.Unlock()
}

func (e *Engine) logEvent(deviceID, eventType string, data map[string]interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	now := e.now()
	return e.db.InsertEvent(&storage.Event{
		DeviceID:    deviceID,
		TimestampMT: storage.TimestampMT(now, e.loc),
		EventType:   eventType,
		TimeSource:  storage.TimeSourceCloudPresync,
		ReceivedMS:  now.UnixMilli(),
		Data:        string(payload),
		ExpiresAt:   now.Add(storage.EventTTL).Unix(),
	}, e.loc)
}

// parseVersionKey extracts N from keys shaped like firmware/app-vN.bin
func parseVersionKey(key string) int {
	m := versionKeyRe.FindStringSubmatch(key)
	if m == nil {
		return 0
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return v
}
