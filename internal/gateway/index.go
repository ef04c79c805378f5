package gateway

import (
	"sync"

	"github.com/google/uuid"
)

type connSet = map[uuid.UUID]*Connection

// ConnectionIndex holds every keyed lookup set plus the reverse maps used
// for O(1) removal. The internal mutex only guards map structure; logical
// serialization per audience (two racing registrations on one branch, a
// removal racing a broadcast snapshot of the same key) comes from the
// LockManager shard locks held by callers around each operation.
type ConnectionIndex struct {
	mu sync.RWMutex

	conns           connSet
	byUser          map[string]connSet
	byBranch        map[string]connSet
	bySector        map[string]connSet
	bySession       map[string]connSet
	adminByBranch   map[string]connSet
	kitchenByBranch map[string]connSet

	// reverse maps: any connection present in a forward set is present here
	// with consistent values.
	connUser     map[uuid.UUID]string
	connTenant   map[uuid.UUID]string
	connBranches map[uuid.UUID][]string
	connSectors  map[uuid.UUID][]string
}

func NewConnectionIndex() *ConnectionIndex {
	return &ConnectionIndex{
		conns:           make(connSet),
		byUser:          make(map[string]connSet),
		byBranch:        make(map[string]connSet),
		bySector:        make(map[string]connSet),
		bySession:       make(map[string]connSet),
		adminByBranch:   make(map[string]connSet),
		kitchenByBranch: make(map[string]connSet),
		connUser:        make(map[uuid.UUID]string),
		connTenant:      make(map[uuid.UUID]string),
		connBranches:    make(map[uuid.UUID][]string),
		connSectors:     make(map[uuid.UUID][]string),
	}
}

// Add registers the connection in every set its role and scopes call for.
// Returns false if the connection is already indexed.
func (ix *ConnectionIndex) Add(conn *Connection) bool {
	id := conn.ID()

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, exists := ix.conns[id]; exists {
		return false
	}
	ix.conns[id] = conn
	addTo(ix.byUser, conn.UserID, conn)
	for _, branch := range conn.Branches {
		addTo(ix.byBranch, branch, conn)
		switch conn.Role {
		case RoleAdmin:
			addTo(ix.adminByBranch, branch, conn)
		case RoleKitchen:
			addTo(ix.kitchenByBranch, branch, conn)
		}
	}
	if conn.Role.SectorScoped() {
		for _, sector := range conn.Sectors {
			addTo(ix.bySector, sector, conn)
		}
	}
	if conn.Role.SessionScoped() && conn.SessionID != "" {
		addTo(ix.bySession, conn.SessionID, conn)
	}

	ix.connUser[id] = conn.UserID
	ix.connTenant[id] = conn.TenantID
	ix.connBranches[id] = append([]string(nil), conn.Branches...)
	if conn.Role.SectorScoped() {
		ix.connSectors[id] = append([]string(nil), conn.Sectors...)
	}
	return true
}

// Remove deletes the connection from every set it appears in, using the
// reverse maps. Returns false if the connection was not indexed, making
// removal idempotent.
func (ix *ConnectionIndex) Remove(id uuid.UUID) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	conn, ok := ix.conns[id]
	if !ok {
		return false
	}
	delete(ix.conns, id)

	removeFrom(ix.byUser, ix.connUser[id], id)
	for _, branch := range ix.connBranches[id] {
		removeFrom(ix.byBranch, branch, id)
		removeFrom(ix.adminByBranch, branch, id)
		removeFrom(ix.kitchenByBranch, branch, id)
	}
	for _, sector := range ix.connSectors[id] {
		removeFrom(ix.bySector, sector, id)
	}
	if conn.SessionID != "" {
		removeFrom(ix.bySession, conn.SessionID, id)
	}

	delete(ix.connUser, id)
	delete(ix.connTenant, id)
	delete(ix.connBranches, id)
	delete(ix.connSectors, id)
	return true
}

// SetSectors swaps the connection's sector membership. Callers hold the
// sector lock, so a concurrent sector broadcast sees either the old or the
// new membership, never a mix.
func (ix *ConnectionIndex) SetSectors(id uuid.UUID, sectors []string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	conn, ok := ix.conns[id]
	if !ok {
		return false
	}
	for _, sector := range ix.connSectors[id] {
		removeFrom(ix.bySector, sector, id)
	}
	for _, sector := range sectors {
		addTo(ix.bySector, sector, conn)
	}
	ix.connSectors[id] = append([]string(nil), sectors...)
	return true
}

// Get returns the indexed connection for the given id.
func (ix *ConnectionIndex) Get(id uuid.UUID) (*Connection, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	conn, ok := ix.conns[id]
	return conn, ok
}

// Sectors returns the connection's current sector membership.
func (ix *ConnectionIndex) Sectors(id uuid.UUID) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]string(nil), ix.connSectors[id]...)
}

// UserCount returns the number of live connections for a user.
func (ix *ConnectionIndex) UserCount(userID string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byUser[userID])
}

// Len returns the number of indexed connections.
func (ix *ConnectionIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.conns)
}

// SnapshotBranch returns every connection registered under the branch,
// filtered by tenant inside the same critical section. Filtering outside
// would race a concurrent reassignment and could leak across tenants.
func (ix *ConnectionIndex) SnapshotBranch(branchID, tenantID string) []*Connection {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return filterTenant(ix.byBranch[branchID], tenantID)
}

// SnapshotSector returns the connections subscribed to the sector.
func (ix *ConnectionIndex) SnapshotSector(sectorID, tenantID string) []*Connection {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return filterTenant(ix.bySector[sectorID], tenantID)
}

// SnapshotSession returns the connections bound to the dining session.
func (ix *ConnectionIndex) SnapshotSession(sessionID, tenantID string) []*Connection {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return filterTenant(ix.bySession[sessionID], tenantID)
}

// SnapshotBranchStaff returns the branch's admin and kitchen connections
// plus sector-scoped connections with no sector assignment. Unassigned
// waiters fall back to branch-wide delivery; that is a routing rule, not an
// accident of filter order.
func (ix *ConnectionIndex) SnapshotBranchStaff(branchID, tenantID string) []*Connection {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := filterTenant(ix.adminByBranch[branchID], tenantID)
	out = append(out, filterTenant(ix.kitchenByBranch[branchID], tenantID)...)
	for id, conn := range ix.byBranch[branchID] {
		if !conn.Role.SectorScoped() || len(ix.connSectors[id]) > 0 {
			continue
		}
		if tenantID != "" && conn.TenantID != tenantID {
			continue
		}
		out = append(out, conn)
	}
	return out
}

// SnapshotAll returns every indexed connection, optionally filtered by
// tenant.
func (ix *ConnectionIndex) SnapshotAll(tenantID string) []*Connection {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return filterTenant(ix.conns, tenantID)
}

func filterTenant(set connSet, tenantID string) []*Connection {
	out := make([]*Connection, 0, len(set))
	for _, conn := range set {
		if tenantID != "" && conn.TenantID != tenantID {
			continue
		}
		out = append(out, conn)
	}
	return out
}

func addTo(table map[string]connSet, key string, conn *Connection) {
	set, ok := table[key]
	if !ok {
		set = make(connSet)
		table[key] = set
	}
	set[conn.ID()] = conn
}

func removeFrom(table map[string]connSet, key string, id uuid.UUID) {
	set, ok := table[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(table, key)
	}
}
