// Package objstore holds firmware images and baselines. The filesystem
// implementation doubles as the deploy inbox: dropping an image under
// firmware/ raises an object-created notification that starts OTA
// sessions.
package objstore

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FirmwarePrefix is the key prefix watched for new images
const FirmwarePrefix = "firmware/"

// BaselineKey is where the fleet's last known-good image lives, used as
// the delta baseline for the next deploy.
const BaselineKey = "firmware/baseline.bin"

// Store is the object storage surface the OTA engine uses
type Store interface {
	Put(key string, data []byte) error
	Get(key string) ([]byte, error)
	Copy(srcKey, dstKey string) error
	Exists(key string) (bool, error)
}

// FSStore is a filesystem-backed Store rooted at a bucket directory.
// It watches the firmware prefix and reports newly landed objects.
type FSStore struct {
	bucket string
	root   string

	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	onCreate func(bucket, key string)

	// Debounce window so a slow copy raises one notification, not many
	settle time.Duration
}

// NewFSStore creates a store rooted at dir. The bucket name is only a
// label carried through notifications and session records.
func NewFSStore(bucket, dir string) (*FSStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, FirmwarePrefix), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	return &FSStore{
		bucket:   bucket,
		root:     dir,
		stopChan: make(chan struct{}),
		settle:   500 * time.Millisecond,
	}, nil
}

// Bucket returns the store's bucket label
func (s *FSStore) Bucket() string {
	return s.bucket
}

// SetObjectCreatedHandler sets the callback for new firmware objects
func (s *FSStore) SetObjectCreatedHandler(cb func(bucket, key string)) {
	s.mu.Lock()
	s.onCreate = cb
	s.mu.Unlock()
}

func (s *FSStore) path(key string) (string, error) {
	clean := filepath.Clean(key)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

// Put writes an object atomically via a temp file and rename
func (s *FSStore) Put(key string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Get reads an object
func (s *FSStore) Get(key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

// Copy duplicates an object within the store
func (s *FSStore) Copy(srcKey, dstKey string) error {
	data, err := s.Get(srcKey)
	if err != nil {
		return err
	}
	return s.Put(dstKey, data)
}

// Exists reports whether an object is present
func (s *FSStore) Exists(key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// StartWatch begins watching the firmware prefix for new objects
func (s *FSStore) StartWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(filepath.Join(s.root, FirmwarePrefix)); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch firmware dir: %w", err)
	}
	s.watcher = w

	s.wg.Add(1)
	go s.watchLoop()

	log.Printf("[objstore] Watching %s for firmware objects", filepath.Join(s.root, FirmwarePrefix))
	return nil
}

// StopWatch halts the watcher
func (s *FSStore) StopWatch() error {
	if s.watcher == nil {
		return nil
	}
	close(s.stopChan)
	s.wg.Wait()
	return s.watcher.Close()
}

func (s *FSStore) watchLoop() {
	defer s.wg.Done()

	// Pending keys wait out the settle window before notification.
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return

		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			if !strings.HasSuffix(name, ".bin") || strings.HasSuffix(name, ".tmp") {
				continue
			}
			if name == filepath.Base(BaselineKey) {
				// Baseline updates come from completed sessions, not deploys.
				continue
			}
			pending[FirmwarePrefix+name] = time.Now()

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[objstore] Watch error: %v", err)

		case now := <-ticker.C:
			for key, seen := range pending {
				if now.Sub(seen) < s.settle {
					continue
				}
				delete(pending, key)
				s.notify(key)
			}
		}
	}
}

func (s *FSStore) notify(key string) {
	s.mu.Lock()
	cb := s.onCreate
	s.mu.Unlock()
	if cb == nil {
		return
	}
	log.Printf("[objstore] New firmware object: %s/%s", s.bucket, key)
	cb(s.bucket, key)
}

// walkKeys is used by tests and tooling to list objects under a prefix
func (s *FSStore) walkKeys(prefix string) ([]string, error) {
	var keys []string
	base := filepath.Join(s.root, filepath.Clean(prefix))
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return relErr
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}
