package pairing

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(offset time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.Unix(1700000000, 0).UTC().Add(offset)
}

func newTestManager(t *testing.T, clock *fakeClock) *Manager {
	t.Helper()
	var sequence int
	var sequenceMu sync.Mutex
	manager, err := NewManager(ManagerConfig{
		Clock: clock.Now,
		TokenGenerator: func() (string, error) {
			sequenceMu.Lock()
			defer sequenceMu.Unlock()
			sequence++
			return fmt.Sprintf("token-%d", sequence), nil
		},
	})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}
	return manager
}

func mustIssue(t *testing.T, manager *Manager, screenID, measurementID string) Snapshot {
	t.Helper()
	snapshot, err := manager.Issue(screenID, measurementID)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	return snapshot
}
