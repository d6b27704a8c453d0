// Package watcher observes the accounts file and reports pool changes.
// Operators edit the account pool out of band; the watcher keeps the logs
// honest about what the rotation policy will see next.
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/warp-compat/warp-bridge/internal/account"
)

// reloadDebounce coalesces bursts of write events; atomic saves emit a
// rename plus a chmod on some platforms.
const reloadDebounce = 150 * time.Millisecond

// AccountsWatcher watches the accounts file directory and logs the status
// breakdown whenever the file changes.
type AccountsWatcher struct {
	registry *account.Registry
	watcher  *fsnotify.Watcher

	mu          sync.Mutex
	reloadTimer *time.Timer
}

// NewAccountsWatcher creates a watcher for the registry's backing file.
func NewAccountsWatcher(registry *account.Registry) (*AccountsWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &AccountsWatcher{registry: registry, watcher: fsWatcher}, nil
}

// Start begins watching until ctx is canceled. The parent directory is
// watched rather than the file itself so atomic renames keep the watch alive.
func (w *AccountsWatcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.registry.Path())
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	log.Debugf("watching accounts directory: %s", dir)

	go w.run(ctx)
	return nil
}

func (w *AccountsWatcher) run(ctx context.Context) {
	defer func() {
		_ = w.watcher.Close()
	}()
	target := filepath.Clean(w.registry.Path())

	for {
		select {
		case <-ctx.Done():
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
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("accounts watcher error: %v", err)
		}
	}
}

// scheduleReload debounces change events and logs the new breakdown once the
// burst settles.
func (w *AccountsWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reloadTimer != nil {
		w.reloadTimer.Stop()
	}
	w.reloadTimer = time.AfterFunc(reloadDebounce, func() {
		breakdown, err := w.registry.CountByStatus()
		if err != nil {
			log.Warnf("accounts file changed but reload failed: %v", err)
			return
		}
		log.Infof("accounts file changed - available:%d, quota_exhausted:%d, refresh_failed:%d, invalid_token:%d",
			breakdown.Available, breakdown.QuotaExhausted, breakdown.RefreshFailed, breakdown.InvalidToken)
	})
}
