package events

import "github.com/tidwall/gjson"

// Validate checks a raw bus message for the required fields and a known
// type. It returns the parsed event and an empty reason on success, or a
// rejection reason; it never panics on malformed input.
func Validate(raw []byte) (Event, string) {
	if !gjson.ValidBytes(raw) {
		return Event{}, "invalid json"
	}

	typ := gjson.GetBytes(raw, "type").String()
	if typ == "" {
		return Event{}, "missing type"
	}
	if !KnownType(typ) {
		return Event{}, "unknown type: " + typ
	}

	tenant := gjson.GetBytes(raw, "tenant_id").String()
	if tenant == "" {
		return Event{}, "missing tenant_id"
	}
	branch := gjson.GetBytes(raw, "branch_id").String()
	if branch == "" {
		return Event{}, "missing branch_id"
	}

	return Event{
		Type:      typ,
		TenantID:  tenant,
		BranchID:  branch,
		SessionID: gjson.GetBytes(raw, "session_id").String(),
		SectorID:  gjson.GetBytes(raw, "sector_id").String(),
		TableRef:  gjson.GetBytes(raw, "table_ref").String(),
	}, ""
}
