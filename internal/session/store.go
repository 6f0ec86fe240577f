// Package session persists small per-session state across reloads: the last
// order confirmation and the cart snapshot taken before an auth redirect.
// Records live as JSON files under a state directory so a service restart
// does not lose them.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/akanda-apero/orderflow/pkg/models"
)

const (
	// A reload within this window may land back on the confirmation screen.
	resumeWindow = 10 * time.Minute
	// After this, the record is garbage regardless of resume intent.
	hardExpiry = 15 * time.Minute

	sweepInterval = time.Minute
)

var ErrNotFound = errors.New("session record not found")

type Store struct {
	dir    string
	mu     sync.Mutex
	logger *logrus.Logger
	now    func() time.Time

	stopSweep chan struct{}
	sweepOnce sync.Once
}

func NewStore(dir string, logger *logrus.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	return &Store{
		dir:       dir,
		logger:    logger,
		now:       time.Now,
		stopSweep: make(chan struct{}),
	}, nil
}

func (s *Store) confirmationPath(sessionKey string) string {
	return filepath.Join(s.dir, "confirmation_"+sanitize(sessionKey)+".json")
}

func (s *Store) pendingCartPath(sessionKey string) string {
	return filepath.Join(s.dir, "pending_cart_"+sanitize(sessionKey)+".json")
}

func sanitize(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, key)
}

// SaveConfirmation records a successful checkout for the session.
func (s *Store) SaveConfirmation(sessionKey string, conf models.OrderConfirmation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(conf)
	if err != nil {
		return fmt.Errorf("failed to marshal confirmation: %w", err)
	}
	if err := os.WriteFile(s.confirmationPath(sessionKey), data, 0o644); err != nil {
		return fmt.Errorf("failed to write confirmation: %w", err)
	}
	return nil
}

// LoadConfirmation returns the stored confirmation when the caller
// explicitly asks to resume and the record is younger than the resume
// window. A stale record is deleted on sight; without the resume flag the
// record also goes, so a deliberate fresh visit always starts clean.
func (s *Store) LoadConfirmation(sessionKey string, resume bool) (*models.OrderConfirmation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.confirmationPath(sessionKey)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	var conf models.OrderConfirmation
	if err := json.Unmarshal(data, &conf); err != nil {
		s.logger.WithError(err).Warn("Corrupt confirmation record, deleting")
		os.Remove(path)
		return nil, false
	}

	age := s.now().Sub(conf.Timestamp)
	if !resume || age >= resumeWindow {
		os.Remove(path)
		return nil, false
	}

	return &conf, true
}

// PurgeConfirmation removes the record immediately, validity window or not.
// Called when the customer deliberately starts a new order.
func (s *Store) PurgeConfirmation(sessionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	os.Remove(s.confirmationPath(sessionKey))
}

// SavePendingCart snapshots the cart before an auth redirect.
func (s *Store) SavePendingCart(sessionKey string, items []models.CartLineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to marshal cart snapshot: %w", err)
	}
	if err := os.WriteFile(s.pendingCartPath(sessionKey), data, 0o644); err != nil {
		return fmt.Errorf("failed to write cart snapshot: %w", err)
	}
	return nil
}

// TakePendingCart reads the snapshot exactly once: the record is deleted on
// consumption so a stale cart can never reappear on a later visit.
func (s *Store) TakePendingCart(sessionKey string) ([]models.CartLineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pendingCartPath(sessionKey)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read cart snapshot: %w", err)
	}
	os.Remove(path)

	var items []models.CartLineItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("corrupt cart snapshot: %w", err)
	}
	return items, nil
}

// StartSweeper launches the background cleanup that deletes confirmations
// older than the hard expiry. Stop it with Close.
func (s *Store) StartSweeper() {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stopSweep:
				return
			}
		}
	}()
}

func (s *Store) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.WithError(err).Warn("Session sweep failed to read state dir")
		return
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "confirmation_") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var conf models.OrderConfirmation
		if err := json.Unmarshal(data, &conf); err != nil || s.now().Sub(conf.Timestamp) >= hardExpiry {
			os.Remove(path)
			removed++
		}
	}

	if removed > 0 {
		s.logger.WithField("removed", removed).Info("Swept expired confirmations")
	}
}

func (s *Store) Close() {
	s.sweepOnce.Do(func() { close(s.stopSweep) })
}
