package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher serves the current rule set and reloads it when the file changes.
// A file that fails to parse leaves the previous rules in place.
type Watcher struct {
	path     string
	current  atomic.Pointer[RuleSet]
	logger   *zap.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWatcher loads path once; an empty path serves DefaultRules only.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watcher{path: path, logger: logger, debounce: 100 * time.Millisecond}

	if path == "" {
		w.current.Store(DefaultRules())
		return w, nil
	}
	rs, err := LoadRules(path)
	if err != nil {
		return nil, err
	}
	w.current.Store(rs)
	logger.Info("Suspicious-activity rules loaded", zap.String("path", path), zap.Int("rules", len(rs.Rules)))
	return w, nil
}

func (w *Watcher) Screen(in Input) []string {
	return w.current.Load().Screen(in)
}

func (w *Watcher) Rules() *RuleSet {
	return w.current.Load()
}

// Reload re-reads the file, keeping the old rules on error.
func (w *Watcher) Reload() error {
	if w.path == "" {
		return nil
	}
	rs, err := LoadRules(w.path)
	if err != nil {
		w.logger.Warn("Keeping previous suspicious-activity rules", zap.String("path", w.path), zap.Error(err))
		return err
	}
	w.current.Store(rs)
	w.logger.Info("Suspicious-activity rules reloaded", zap.String("path", w.path), zap.Int("rules", len(rs.Rules)))
	return nil
}

// Start watches the rule file's directory so editor renames are seen too.
func (w *Watcher) Start(ctx context.Context) error {
	if w.path == "" || w.watcher != nil {
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("watch %s: %w", w.path, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.watcher = fw
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	target := filepath.Clean(w.path)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			_ = w.Reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Rule watcher error", zap.Error(err))
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	w.watcher = nil
	return err
}
