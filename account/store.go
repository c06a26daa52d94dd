package account

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// credentialsFile is the on-disk shape of the accounts file.
type credentialsFile struct {
	Accounts []*Account `yaml:"accounts"`
}

// LoadAccounts reads the YAML credentials file at path.
func LoadAccounts(path string) ([]*Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts: %w", err)
	}
	var file credentialsFile
	if err = yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse accounts: %w", err)
	}
	accounts := make([]*Account, 0, len(file.Accounts))
	for _, acct := range file.Accounts {
		if acct == nil || acct.Email == "" {
			continue
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

// Store loads the account credentials file and keeps the in-memory pool in
// sync with it. Reloads swap the whole account slice atomically; runtime
// state in StateStore survives reloads because it is keyed by email.
type Store struct {
	path string

	mu       sync.RWMutex
	accounts []*Account
}

// NewStore loads the credentials file and returns a store around it.
func NewStore(path string) (*Store, error) {
	accounts, err := LoadAccounts(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, accounts: accounts}, nil
}

// Accounts returns the current account set. The returned slice must not be
// mutated by callers.
func (s *Store) Accounts() []*Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts
}

// Reload re-reads the credentials file and swaps the account set.
func (s *Store) Reload() error {
	accounts, err := LoadAccounts(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.accounts = accounts
	s.mu.Unlock()
	log.Infof("account store: reloaded %d accounts from %s", len(accounts), s.path)
	return nil
}

// Watch reloads the credentials file whenever it changes on disk, invoking
// onReload with the fresh account set. It blocks until ctx is done. Editors
// frequently emit bursts of events for one save, so reloads are debounced.
func (s *Store) Watch(ctx context.Context, onReload func([]*Account)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("account store: watcher: %w", err)
	}
	defer func() {
		if errClose := watcher.Close(); errClose != nil {
			log.Errorf("account store: close watcher error: %v", errClose)
		}
	}()

	// Watch the directory rather than the file: many editors replace the file
	// on save, which would silently drop a direct file watch.
	if err = watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("account store: watch %s: %w", s.path, err)
	}

	var timer *time.Timer
	reload := func() {
		if err := s.Reload(); err != nil {
			log.Errorf("account store: reload failed: %v", err)
			return
		}
		if onReload != nil {
			onReload(s.Accounts())
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(200*time.Millisecond, reload)
		case errWatch, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Errorf("account store: watch error: %v", errWatch)
		}
	}
}
