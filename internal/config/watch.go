package config

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "icecron/pkg/logx"
)

const (
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
	validateTimeout = 5 * time.Second
)

// Watch reloads the config on file changes until ctx is done. The parent
// directory is watched so editors that save via rename are seen. A watcher
// that breaks is recreated with jittered backoff. Watch returns nil on
// cancellation.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	deb := newDebouncer(m.debounce, func() { m.reload(ctx) })
	defer deb.stop()
	bo := newBackoff(watchBackoffMin, watchBackoffMax)

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			if !bo.sleep(ctx, m.log, "config watch setup failed", err) {
				return nil
			}
			continue
		}

		bo.reset()
		m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))
		err = m.watchLoop(ctx, w, file, deb)
		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		if !bo.sleep(ctx, m.log, "config watcher stopped; restarting", err) {
			return nil
		}
	}
	return nil
}

// watchLoop runs until ctx is done or the watcher breaks.
func (m *ConfigManager) watchLoop(ctx context.Context, w *fsnotify.Watcher, file string, deb *debouncer) error {
	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if filepath.Base(ev.Name) != file || ev.Op&relevant == 0 {
				continue
			}
			m.log.Debug("config change detected", logx.String("path", m.path), logx.String("op", ev.Op.String()))
			deb.trigger()
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// events were lost; one reload catches up
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				deb.trigger()
				continue
			}
			if err != nil {
				return fmt.Errorf("watch: %w", err)
			}
		}
	}
}

// reload is the debounced body of Watch: parse, skip if unchanged,
// validate, commit, publish.
func (m *ConfigManager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed; keeping previous", logx.String("path", m.path), logx.Err(err))
		return
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	same := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if same {
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected; keeping previous", logx.String("path", m.path), logx.Err(err))
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%016x", h)))
}

// debouncer runs fn once d after the last trigger.
type debouncer struct {
	d  time.Duration
	fn func()

	mu      sync.Mutex
	t       *time.Timer
	stopped bool
}

func newDebouncer(d time.Duration, fn func()) *debouncer {
	return &debouncer{d: d, fn: fn}
}

func (b *debouncer) trigger() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	if b.t == nil {
		b.t = time.AfterFunc(b.d, b.fn)
		return
	}
	b.t.Reset(b.d)
}

func (b *debouncer) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	if b.t != nil {
		b.t.Stop()
	}
}

// backoff doubles from min to max with up to 50% jitter.
type backoff struct {
	min, max, cur time.Duration
	rng           *rand.Rand
}

func newBackoff(lo, hi time.Duration) *backoff {
	return &backoff{min: lo, max: hi, cur: lo, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (b *backoff) reset() { b.cur = b.min }

// sleep logs why and waits; it reports false if ctx ended first.
func (b *backoff) sleep(ctx context.Context, log logx.Logger, why string, err error) bool {
	wait := b.cur + time.Duration(b.rng.Int63n(int64(b.cur/2)+1))
	b.cur = min(b.cur*2, b.max)
	log.Warn(why, logx.Duration("backoff", wait), logx.Err(err))
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
