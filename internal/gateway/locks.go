package gateway

import (
	"bytes"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Lock acquisition order. Any path holding more than one lock must acquire
// in ascending rank and release in reverse. Keyed locks of the same rank are
// acquired together, in ascending id order, through a single call.
const (
	rankCounter = iota
	rankUser
	rankBranch
	rankSector
	rankSession
	rankDead
)

type lockKind int

const (
	kindUser lockKind = iota
	kindBranch
)

type lockEntry struct {
	mu sync.Mutex

	// refs and lastAccess are guarded by the manager mutex. refs counts
	// holders plus waiters; an entry with refs > 0 is never evicted.
	refs       int
	lastAccess time.Time
}

// LockManager hands out keyed mutexes for branches and users plus the four
// fixed global locks. Keyed entries are cached and evicted least-recently
// used once the cache passes the high-water mark, down to the low-water
// mark. An evicted entry has no holders and no waiters, so a recreated lock
// for the same key guards no overlapping critical section.
type LockManager struct {
	mu     sync.Mutex
	user   map[string]*lockEntry
	branch map[string]*lockEntry

	highWater int
	lowWater  int

	counterMu sync.Mutex
	sectorMu  sync.Mutex
	sessionMu sync.Mutex
	deadMu    sync.Mutex

	// debugOrder enables the per-goroutine acquisition-order assertion.
	// Violations are programming errors and panic; production builds leave
	// this off.
	debugOrder bool
	heldMu     sync.Mutex
	held       map[int64][]int

	now    func() time.Time
	logger *slog.Logger
}

func NewLockManager(highWater, lowWater int, debugOrder bool, logger *slog.Logger) *LockManager {
	if highWater <= 0 {
		highWater = 1024
	}
	if lowWater <= 0 || lowWater >= highWater {
		lowWater = highWater * 3 / 4
	}
	return &LockManager{
		user:       make(map[string]*lockEntry),
		branch:     make(map[string]*lockEntry),
		highWater:  highWater,
		lowWater:   lowWater,
		debugOrder: debugOrder,
		held:       make(map[int64][]int),
		now:        time.Now,
		logger:     logger.With(slog.String("component", "lock_manager")),
	}
}

// WithCounter runs fn while holding the global connection-counter lock.
func (m *LockManager) WithCounter(fn func()) {
	m.enterRank(rankCounter)
	m.counterMu.Lock()
	defer func() {
		m.counterMu.Unlock()
		m.exitRank(rankCounter)
	}()
	fn()
}

// LockUsers acquires the user locks for the given ids in ascending order and
// returns a release function that unlocks them in reverse.
func (m *LockManager) LockUsers(ids ...string) func() {
	return m.lockKeyed(kindUser, rankUser, ids)
}

// LockBranches acquires the branch locks for the given ids in ascending
// order and returns a release function that unlocks them in reverse.
func (m *LockManager) LockBranches(ids ...string) func() {
	return m.lockKeyed(kindBranch, rankBranch, ids)
}

// LockSector acquires the global sector lock.
func (m *LockManager) LockSector() func() { return m.lockGlobal(&m.sectorMu, rankSector) }

// LockSession acquires the global session lock.
func (m *LockManager) LockSession() func() { return m.lockGlobal(&m.sessionMu, rankSession) }

// LockDead acquires the global dead-connections lock.
func (m *LockManager) LockDead() func() { return m.lockGlobal(&m.deadMu, rankDead) }

func (m *LockManager) lockGlobal(mu *sync.Mutex, rank int) func() {
	m.enterRank(rank)
	mu.Lock()
	return func() {
		mu.Unlock()
		m.exitRank(rank)
	}
}

func (m *LockManager) lockKeyed(kind lockKind, rank int, ids []string) func() {
	keys := dedupeSorted(ids)
	if len(keys) == 0 {
		return func() {}
	}
	m.enterRank(rank)

	entries := make([]*lockEntry, len(keys))
	m.mu.Lock()
	for i, key := range keys {
		e := m.entryFor(kind, key)
		e.refs++
		e.lastAccess = m.now()
		entries[i] = e
	}
	m.evictLocked()
	m.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
	}

	return func() {
		for i := len(entries) - 1; i >= 0; i-- {
			entries[i].mu.Unlock()
		}
		m.mu.Lock()
		now := m.now()
		for _, e := range entries {
			e.refs--
			e.lastAccess = now
		}
		m.mu.Unlock()
		m.exitRank(rank)
	}
}

// entryFor must be called with m.mu held.
func (m *LockManager) entryFor(kind lockKind, key string) *lockEntry {
	table := m.user
	if kind == kindBranch {
		table = m.branch
	}
	e, ok := table[key]
	if !ok {
		e = &lockEntry{}
		table[key] = e
	}
	return e
}

// CachedLocks returns the number of keyed entries currently cached.
func (m *LockManager) CachedLocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.user) + len(m.branch)
}

type evictCandidate struct {
	kind lockKind
	key  string
	last time.Time
}

// evictLocked trims idle entries once the cache exceeds the high-water mark,
// removing least-recently-used entries until the low-water mark is reached.
// Must be called with m.mu held.
func (m *LockManager) evictLocked() {
	total := len(m.user) + len(m.branch)
	if total <= m.highWater {
		return
	}

	candidates := make([]evictCandidate, 0, total)
	for key, e := range m.user {
		if e.refs == 0 {
			candidates = append(candidates, evictCandidate{kindUser, key, e.lastAccess})
		}
	}
	for key, e := range m.branch {
		if e.refs == 0 {
			candidates = append(candidates, evictCandidate{kindBranch, key, e.lastAccess})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].last.Before(candidates[j].last)
	})

	evicted := 0
	for _, c := range candidates {
		if total-evicted <= m.lowWater {
			break
		}
		if c.kind == kindUser {
			delete(m.user, c.key)
		} else {
			delete(m.branch, c.key)
		}
		evicted++
	}
	if evicted > 0 {
		m.logger.Debug("evicted idle shard locks",
			slog.Int("evicted", evicted),
			slog.Int("remaining", total-evicted),
		)
	}
}

// --- acquisition-order assertion (debug builds) ---

func (m *LockManager) enterRank(rank int) {
	if !m.debugOrder {
		return
	}
	gid := goroutineID()
	m.heldMu.Lock()
	defer m.heldMu.Unlock()
	stack := m.held[gid]
	if len(stack) > 0 && stack[len(stack)-1] >= rank {
		panic(fmt.Sprintf("lock order violation: acquiring rank %d while holding rank %d", rank, stack[len(stack)-1]))
	}
	m.held[gid] = append(stack, rank)
}

func (m *LockManager) exitRank(rank int) {
	if !m.debugOrder {
		return
	}
	gid := goroutineID()
	m.heldMu.Lock()
	defer m.heldMu.Unlock()
	stack := m.held[gid]
	if len(stack) == 0 || stack[len(stack)-1] != rank {
		panic(fmt.Sprintf("lock order violation: releasing rank %d out of sequence", rank))
	}
	stack = stack[:len(stack)-1]
	if len(stack) == 0 {
		delete(m.held, gid)
	} else {
		m.held[gid] = stack
	}
}

// goroutineID parses the goroutine id out of the stack header. Only used on
// the debug path; never in production builds.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.ParseInt(string(fields[1]), 10, 64)
	return id
}

func dedupeSorted(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	copy(out, ids)
	sort.Strings(out)
	j := 0
	for i := 1; i < len(out); i++ {
		if out[i] != out[j] {
			j++
			out[j] = out[i]
		}
	}
	return out[:j+1]
}
