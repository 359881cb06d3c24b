// SPDX-License-Identifier: MIT

package keypool

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/ManuGH/voiceflow/internal/log"
)

// Pool holds the current key list and supports reloads, either explicit
// (admin endpoint) or driven by a file watcher.
type Pool struct {
	mu      sync.RWMutex
	keys    []string
	sources Sources

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewPool loads the initial pool from the given sources.
func NewPool(src Sources) (*Pool, error) {
	keys, err := Load(src)
	if err != nil {
		return nil, err
	}
	return &Pool{keys: keys, sources: src}, nil
}

// Keys returns a copy of the current pool.
func (p *Pool) Keys() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Size returns the current pool size.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.keys)
}

// Configured reports whether any valid key is loaded.
func (p *Pool) Configured() bool { return p.Size() > 0 }

// Reload re-reads the sources and swaps the pool. Returns the new size.
func (p *Pool) Reload() (int, error) {
	keys, err := Load(p.sources)
	if err != nil {
		return p.Size(), err
	}
	p.mu.Lock()
	p.keys = keys
	size := len(keys)
	p.mu.Unlock()
	return size, nil
}

// Watch starts a background reload whenever the key file changes.
// No-op when the pool is not file-backed.
func (p *Pool) Watch() error {
	if p.sources.FilePath == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors replace the file on save, which would
	// otherwise drop the watch on the inode.
	if err := watcher.Add(filepath.Dir(p.sources.FilePath)); err != nil {
		_ = watcher.Close()
		return err
	}
	p.watcher = watcher
	p.done = make(chan struct{})

	logger := log.WithComponent("keypool")
	target := filepath.Clean(p.sources.FilePath)
	go func() {
		for {
			select {
			case <-p.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				size, err := p.Reload()
				if err != nil {
					logger.Warn().Err(err).Str("event", "keypool.reload_failed").Msg("key pool reload failed")
					continue
				}
				logger.Info().Str("event", "keypool.reloaded").Int("keys", size).Msg("key pool reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Str("event", "keypool.watch_error").Msg("key pool watcher error")
			}
		}
	}()
	return nil
}

// Close stops the watcher, if running.
func (p *Pool) Close() {
	if p.done != nil {
		close(p.done)
		p.done = nil
	}
	if p.watcher != nil {
		_ = p.watcher.Close()
		p.watcher = nil
	}
}
