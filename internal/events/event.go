package events

// Event is one validated bus record. Required fields are Type, TenantID and
// BranchID; the rest scope delivery further. Events are immutable after
// validation.
type Event struct {
	Type      string
	TenantID  string
	BranchID  string
	SessionID string
	SectorID  string
	TableRef  string
}

// knownTypes is the closed set of event types the gateway routes. Anything
// else is rejected at validation.
var knownTypes = map[string]struct{}{
	"order.created":  {},
	"order.updated":  {},
	"order.ready":    {},
	"order.served":   {},
	"bill.requested": {},
	"session.opened": {},
	"session.closed": {},
	"menu.updated":   {},
}

// KnownType reports whether t is a routable event type.
func KnownType(t string) bool {
	_, ok := knownTypes[t]
	return ok
}
