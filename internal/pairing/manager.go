package pairing

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultTokenTTL  = 120 * time.Second
	DefaultUnusedTTL = 90 * time.Second
)

// ManagerConfig configures token lifetimes and collaborators.
type ManagerConfig struct {
	TokenTTL       time.Duration
	UnusedTTL      time.Duration
	Clock          func() time.Time
	TokenGenerator func() (string, error)
	Logger         *zap.Logger
}

// Manager owns the in-process token store. Every record is read and written
// under one lock so a claim and an advance racing on the same token serialize.
type Manager struct {
	mu            sync.RWMutex
	tokens        map[string]*tokenRecord
	byScreen      map[string]string
	byMeasurement map[string]string

	tokenTTL  time.Duration
	unusedTTL time.Duration
	clock     func() time.Time
	generate  func() (string, error)
	logger    *zap.Logger
}

// NewManager constructs an empty token manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	tokenTTL := cfg.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	unusedTTL := cfg.UnusedTTL
	if unusedTTL <= 0 {
		unusedTTL = DefaultUnusedTTL
	}
	if unusedTTL >= tokenTTL {
		return nil, fmt.Errorf("%w: unused ttl %s must be shorter than token ttl %s", ErrInvalidConfig, unusedTTL, tokenTTL)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	generate := cfg.TokenGenerator
	if generate == nil {
		generate = newRandomToken
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		tokens:        make(map[string]*tokenRecord),
		byScreen:      make(map[string]string),
		byMeasurement: make(map[string]string),
		tokenTTL:      tokenTTL,
		unusedTTL:     unusedTTL,
		clock:         clock,
		generate:      generate,
		logger:        logger,
	}, nil
}

func newRandomToken() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(value.String(), "-", ""), nil
}

// Issue creates a pending token for the screen's new measurement. Any token
// the screen held before is superseded and removed.
func (m *Manager) Issue(screenID, measurementID string) (Snapshot, error) {
	screen := strings.TrimSpace(screenID)
	if screen == "" {
		return Snapshot{}, ErrInvalidScreenID
	}
	measurement := strings.TrimSpace(measurementID)
	if measurement == "" {
		return Snapshot{}, ErrInvalidMeasurementID
	}
	token, err := m.generate()
	if err != nil {
		return Snapshot{}, fmt.Errorf("pairing: generate token: %w", err)
	}

	now := m.clock().UTC()
	record := &tokenRecord{snapshot: Snapshot{
		Token:          token,
		ScreenID:       screen,
		MeasurementID:  measurement,
		State:          StatePending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.tokenTTL),
		UnusedDeadline: now.Add(m.unusedTTL),
		LastActivity:   now,
	}}

	m.mu.Lock()
	defer m.mu.Unlock()
	if previous, ok := m.byScreen[screen]; ok {
		m.evictLocked(previous)
		m.logger.Debug("pairing token superseded", zap.String("screen_id", screen))
	}
	m.tokens[token] = record
	m.byScreen[screen] = token
	m.byMeasurement[measurement] = token
	return record.snapshot, nil
}

// Claim binds the token to a device. Repeating the claim with the same device
// is harmless; a different device gets ErrConflict.
func (m *Manager) Claim(token, deviceID string) (Snapshot, error) {
	device := strings.TrimSpace(deviceID)
	if device == "" {
		return Snapshot{}, ErrInvalidDeviceID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	record, err := m.liveRecordLocked(token)
	if err != nil {
		return Snapshot{}, err
	}
	switch record.snapshot.ClaimedBy {
	case "":
		record.snapshot.ClaimedBy = device
		if record.snapshot.State.Rank() < StateClaimed.Rank() {
			record.snapshot.State = StateClaimed
		}
	case device:
	default:
		return Snapshot{}, ErrConflict
	}
	record.snapshot.LastActivity = m.clock().UTC()
	return record.snapshot, nil
}

// Advance moves the token forward to target. Targets at or behind the current
// state leave it unchanged and still succeed, so retried milestones are safe.
func (m *Manager) Advance(token string, target State) (Snapshot, error) {
	if !target.Valid() {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrInvalidState, target)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	record, err := m.liveRecordLocked(token)
	if err != nil {
		return Snapshot{}, err
	}
	if !record.snapshot.Claimed() && target.Rank() > StatePending.Rank() {
		return Snapshot{}, ErrNotClaimed
	}
	if target.Rank() > record.snapshot.State.Rank() {
		record.snapshot.State = target
	}
	record.snapshot.LastActivity = m.clock().UTC()
	return record.snapshot, nil
}

// Get returns the stored snapshot without touching activity or evicting.
// Callers derive expiry from the snapshot's timestamps.
func (m *Manager) Get(token string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.tokens[token]
	if !ok {
		return Snapshot{}, false
	}
	return record.snapshot, true
}

// LookupMeasurement returns the token currently bound to a measurement.
func (m *Manager) LookupMeasurement(measurementID string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	token, ok := m.byMeasurement[strings.TrimSpace(measurementID)]
	if !ok {
		return Snapshot{}, false
	}
	record, ok := m.tokens[token]
	if !ok {
		return Snapshot{}, false
	}
	return record.snapshot, true
}

// IsAtLeast reports whether a live token has reached target.
func (m *Manager) IsAtLeast(token string, target State) bool {
	snapshot, ok := m.Get(token)
	if !ok || snapshot.EvictionCause(m.clock()) != nil {
		return false
	}
	return snapshot.State.AtLeast(target)
}

// Remove deletes the token regardless of its state.
func (m *Manager) Remove(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictLocked(token)
}

// Sweep evicts every token past its expiry or unused deadline and returns the
// number removed. Candidates are collected under the read lock so request
// lookups are not held up by the scan.
func (m *Manager) Sweep() int {
	now := m.clock()

	m.mu.RLock()
	var candidates []string
	for token, record := range m.tokens {
		if record.snapshot.EvictionCause(now) != nil {
			candidates = append(candidates, token)
		}
	}
	m.mu.RUnlock()
	if len(candidates) == 0 {
		return 0
	}

	evicted := 0
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, token := range candidates {
		record, ok := m.tokens[token]
		if !ok || record.snapshot.EvictionCause(now) == nil {
			continue
		}
		if m.evictLocked(token) {
			evicted++
		}
	}
	return evicted
}

// Len reports the number of stored tokens.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}

func (m *Manager) liveRecordLocked(token string) (*tokenRecord, error) {
	record, ok := m.tokens[strings.TrimSpace(token)]
	if !ok {
		return nil, ErrNotFound
	}
	if cause := record.snapshot.EvictionCause(m.clock()); cause != nil {
		m.evictLocked(record.snapshot.Token)
		return nil, cause
	}
	return record, nil
}

func (m *Manager) evictLocked(token string) bool {
	record, ok := m.tokens[token]
	if !ok {
		return false
	}
	delete(m.tokens, token)
	if m.byScreen[record.snapshot.ScreenID] == token {
		delete(m.byScreen, record.snapshot.ScreenID)
	}
	if m.byMeasurement[record.snapshot.MeasurementID] == token {
		delete(m.byMeasurement, record.snapshot.MeasurementID)
	}
	return true
}
