package guardrails

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 250 * time.Millisecond

// Watch reloads the rules file whenever it changes until ctx ends or Close
// is called. The parent directory is watched so that editors replacing
// the file by rename are noticed. A failed reload keeps the old rules.
func (c *RuleChecker) Watch(ctx context.Context, logger *slog.Logger) error {
	return c.watch(ctx, logger, defaultWatchDebounce, nil)
}

func (c *RuleChecker) watch(ctx context.Context, logger *slog.Logger, debounce time.Duration, reloaded func(error)) error {
	if c.path == "" {
		return errors.New("rule checker has no rules file")
	}
	if logger == nil {
		logger = slog.Default()
	}

	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if c.stop != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	target := filepath.Clean(c.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.watchLoop(watchCtx, watcher, target, debounce, logger, reloaded)
	}()

	c.stop = func() error {
		cancel()
		err := watcher.Close()
		wg.Wait()
		return err
	}
	return nil
}

func (c *RuleChecker) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, target string, debounce time.Duration, logger *slog.Logger, reloaded func(error)) {
	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			err := c.Reload()
			if err != nil {
				logger.Warn("guardrail rules reload failed, keeping previous rules", "path", target, "error", err)
			} else {
				logger.Info("guardrail rules reloaded", "path", target)
			}
			if reloaded != nil {
				reloaded(err)
			}
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("guardrail rules watch error", "error", err)
		}
	}
}

// Close stops watching. It is safe to call without Watch.
func (c *RuleChecker) Close() error {
	c.watchMu.Lock()
	stop := c.stop
	c.stop = nil
	c.watchMu.Unlock()
	if stop == nil {
		return nil
	}
	return stop()
}
