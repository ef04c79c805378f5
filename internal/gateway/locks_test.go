package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockManagerEvictionHysteresis(t *testing.T) {
	m := NewLockManager(10, 5, false, testLogger())

	for i := 0; i < 20; i++ {
		release := m.LockUsers(string(rune('a' + i)))
		release()
	}

	// Eviction trims to the low-water mark once high water is crossed; the
	// cache never settles above high water.
	cached := m.CachedLocks()
	assert.LessOrEqual(t, cached, 10)
	assert.GreaterOrEqual(t, cached, 5)
}

func TestLockManagerNeverEvictsHeldLocks(t *testing.T) {
	m := NewLockManager(4, 2, false, testLogger())

	release := m.LockUsers("held-user")
	heldEntry := m.user["held-user"]
	require.NotNil(t, heldEntry)

	// Churn enough keys to force several eviction passes.
	for i := 0; i < 30; i++ {
		r := m.LockBranches(string(rune('A' + i)))
		r()
	}

	m.mu.Lock()
	entry, ok := m.user["held-user"]
	m.mu.Unlock()
	require.True(t, ok, "held lock was evicted")
	assert.Same(t, heldEntry, entry)

	release()
}

func TestLockManagerEvictsLeastRecentlyUsed(t *testing.T) {
	m := NewLockManager(3, 1, false, testLogger())
	m.now = func() time.Time { return time.Unix(100, 0) }

	r := m.LockUsers("old")
	r()
	m.now = func() time.Time { return time.Unix(200, 0) }
	r = m.LockUsers("newer")
	r()
	m.now = func() time.Time { return time.Unix(300, 0) }
	// Fourth entry crosses high water (3) and evicts down to low water (1),
	// removing the two oldest.
	r = m.LockUsers("newest")
	r()
	r = m.LockUsers("latest")
	r()

	m.mu.Lock()
	_, oldPresent := m.user["old"]
	m.mu.Unlock()
	assert.False(t, oldPresent, "least-recently-used entry survived eviction")
}

func TestLockManagerMultiKeyAcquisition(t *testing.T) {
	m := NewLockManager(16, 8, true, testLogger())

	// Duplicate and unsorted ids are deduplicated and locked in order.
	release := m.LockBranches("b2", "b1", "b2")
	release()

	// Mutual exclusion per key.
	release = m.LockBranches("b1")
	acquired := make(chan struct{})
	go func() {
		r := m.LockBranches("b1")
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held branch lock")
	case <-time.After(50 * time.Millisecond):
	}
	release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the released lock")
	}
}

func TestLockManagerOrderAssertion(t *testing.T) {
	m := NewLockManager(16, 8, true, testLogger())

	// Acquiring a user lock while holding a branch lock inverts the order.
	release := m.LockBranches("b1")
	assert.Panics(t, func() {
		m.LockUsers("u1")
	})
	release()

	// The mandated order passes.
	assert.NotPanics(t, func() {
		m.WithCounter(func() {})
		ru := m.LockUsers("u1")
		rb := m.LockBranches("b1")
		rs := m.LockSector()
		rsess := m.LockSession()
		rd := m.LockDead()
		rd()
		rsess()
		rs()
		rb()
		ru()
	})
}

func TestLockManagerConcurrentStress(t *testing.T) {
	m := NewLockManager(32, 16, false, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				ru := m.LockUsers(string(rune('a' + (i+j)%8)))
				rb := m.LockBranches(string(rune('A' + (i*j)%8)))
				rb()
				ru()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, m.CachedLocks(), 32)
}
