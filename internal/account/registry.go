// Package account manages the pool of Warp accounts used for credential
// rotation. Accounts live in a JSON array file; each record carries an email,
// a long-lived refresh token and a lifecycle status. All mutations go through
// the Registry, which serializes access to the backing file.
package account

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Status is the lifecycle state of an account.
type Status string

const (
	// StatusAvailable marks an account usable for refreshes.
	StatusAvailable Status = "available"
	// StatusQuotaExhausted marks an account whose request budget ran out.
	StatusQuotaExhausted Status = "quota_exhausted"
	// StatusRefreshFailed marks an account whose last refresh failed for an
	// unclassified reason.
	StatusRefreshFailed Status = "refresh_failed"
	// StatusInvalidToken marks an account whose refresh token was rejected.
	StatusInvalidToken Status = "invalid_token"
)

// Valid reports whether s is one of the enumerated statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusQuotaExhausted, StatusRefreshFailed, StatusInvalidToken:
		return true
	}
	return false
}

// Account is one persisted entry of the accounts file.
type Account struct {
	Email        string `json:"email"`
	RefreshToken string `json:"refresh_token"`
	Status       Status `json:"account_status"`
}

// Breakdown counts accounts per status.
type Breakdown struct {
	Available      int `json:"available"`
	QuotaExhausted int `json:"quota_exhausted"`
	RefreshFailed  int `json:"refresh_failed"`
	InvalidToken   int `json:"invalid_token"`
}

// Registry loads and mutates the accounts file. A single mutex serializes
// every read-modify-write cycle; cross-process coordination is not supported.
type Registry struct {
	path string
	mu   sync.Mutex
}

// NewRegistry creates a registry for the accounts file at path.
func NewRegistry(path string) *Registry {
	return &Registry{path: path}
}

// Path returns the accounts file path.
func (r *Registry) Path() string { return r.path }

// Load reads all accounts. A missing file yields an empty list. Accounts
// without a status are materialized as available and the file is rewritten
// so subsequent readers see a fully populated array.
func (r *Registry) Load() ([]Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked()
}

func (r *Registry) loadLocked() ([]Account, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		log.Warnf("accounts file does not exist: %s", r.path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("account: read %s: %w", r.path, err)
	}

	var accounts []Account
	if err = json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("account: parse %s: %w", r.path, err)
	}

	updated := false
	for i := range accounts {
		if accounts[i].Status == "" {
			accounts[i].Status = StatusAvailable
			updated = true
		}
	}
	if updated {
		if err = r.saveLocked(accounts); err != nil {
			return nil, err
		}
		log.Infof("initialized account status fields: %s", r.path)
	}
	return accounts, nil
}

// Save writes the whole account array atomically, creating the parent
// directory when needed. Output is pretty-printed with two-space indent and
// non-ASCII characters preserved; records without a status are written as
// available so the file always carries a populated account_status.
func (r *Registry) Save(accounts []Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked(accounts)
}

func (r *Registry) saveLocked(accounts []Account) error {
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("account: create directory %s: %w", dir, err)
	}

	for i := range accounts {
		if accounts[i].Status == "" {
			accounts[i].Status = StatusAvailable
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(accounts); err != nil {
		return fmt.Errorf("account: encode accounts: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(r.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("account: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err = tmp.Write(buf.Bytes()); err == nil {
		err = tmp.Sync()
	}
	if errClose := tmp.Close(); err == nil {
		err = errClose
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("account: write temp file: %w", err)
	}
	if err = os.Rename(tmpPath, r.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("account: rename temp file: %w", err)
	}
	return nil
}

// PickAvailable returns the first account that has a refresh token and is
// available. On a miss it logs a count breakdown by status.
func (r *Registry) PickAvailable() (Account, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	accounts, err := r.loadLocked()
	if err != nil {
		log.Errorf("failed to load accounts: %v", err)
		return Account{}, false
	}
	for _, acc := range accounts {
		if acc.RefreshToken != "" && acc.Status == StatusAvailable {
			log.Infof("selected available account: %s", acc.Email)
			return acc, true
		}
	}

	b := breakdown(accounts)
	log.Warnf("no available account - available:%d, quota_exhausted:%d, refresh_failed:%d, invalid_token:%d",
		b.Available, b.QuotaExhausted, b.RefreshFailed, b.InvalidToken)
	return Account{}, false
}

// SetStatus updates the status of the first account matching email. An
// unknown status is rejected; a missing account is a warning-level no-op.
func (r *Registry) SetStatus(email string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("account: invalid status %q", status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	accounts, err := r.loadLocked()
	if err != nil {
		return err
	}
	for i := range accounts {
		if accounts[i].Email == email {
			old := accounts[i].Status
			accounts[i].Status = status
			log.Infof("account status updated: %s %s -> %s", email, old, status)
			return r.saveLocked(accounts)
		}
	}
	log.Warnf("account not found: %s", email)
	return nil
}

// MarkExhaustedByRefreshToken locates the account whose refresh token equals
// refreshToken and marks it quota_exhausted. It reports whether a matching
// account was updated.
func (r *Registry) MarkExhaustedByRefreshToken(refreshToken string) bool {
	if refreshToken == "" {
		log.Debug("no current refresh token, skipping account status update")
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	accounts, err := r.loadLocked()
	if err != nil {
		log.Errorf("failed to load accounts: %v", err)
		return false
	}
	for i := range accounts {
		if accounts[i].RefreshToken == refreshToken {
			log.Infof("marking account quota exhausted: %s", accounts[i].Email)
			accounts[i].Status = StatusQuotaExhausted
			if err = r.saveLocked(accounts); err != nil {
				log.Errorf("failed to save accounts: %v", err)
				return false
			}
			return true
		}
	}
	log.Warn("no account matches the current refresh token")
	return false
}

// CountByStatus returns the per-status breakdown of the accounts file.
func (r *Registry) CountByStatus() (Breakdown, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	accounts, err := r.loadLocked()
	if err != nil {
		return Breakdown{}, err
	}
	return breakdown(accounts), nil
}

func breakdown(accounts []Account) Breakdown {
	var b Breakdown
	for _, acc := range accounts {
		switch acc.Status {
		case StatusQuotaExhausted:
			b.QuotaExhausted++
		case StatusRefreshFailed:
			b.RefreshFailed++
		case StatusInvalidToken:
			b.InvalidToken++
		default:
			b.Available++
		}
	}
	return b
}
