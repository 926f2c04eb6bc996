package phivault

import (
	"time"
)

// EventType classifies an audit log entry.
type EventType string

const (
	EventPHIAccess         EventType = "PHI_ACCESS"
	EventLogin             EventType = "LOGIN"
	EventLoginFailure      EventType = "LOGIN_FAILURE"
	EventConfigChange      EventType = "CONFIG_CHANGE"
	EventConsentChange     EventType = "CONSENT_CHANGE"
	EventSecurityViolation EventType = "SECURITY_VIOLATION"
)

func (e EventType) Valid() bool {
	switch e {
	case EventPHIAccess, EventLogin, EventLoginFailure,
		EventConfigChange, EventConsentChange, EventSecurityViolation:
		return true
	}
	return false
}

// Outcome is the canonical result field of an audit entry. The legacy
// "result" column name is a migration bug, not a supported alias.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeDenied  Outcome = "DENIED"
	OutcomeError   Outcome = "ERROR"
)

func (o Outcome) Valid() bool {
	return o == OutcomeSuccess || o == OutcomeDenied || o == OutcomeError
}

// AuditContext carries the caller metadata attached to every logged access.
type AuditContext struct {
	IPAddress string
	SessionID string
	Purpose   string
}

// EntryDraft is what callers hand to the chain writer. The writer assigns
// the ID, timestamp and hashes.
//
// OpID is a caller-supplied operation identifier used to deduplicate
// retries: appending twice with the same OpID yields exactly one entry.
type EntryDraft struct {
	OpID           string
	EventType      EventType
	UserID         string
	UserRole       string
	ResourceType   string
	ResourceID     string
	FieldsAccessed []string
	Purpose        string
	Outcome        Outcome
	IPAddress      string
	SessionID      string
	Details        map[string]string
}

// AuditLogEntry is one immutable record in the hash chain. No update or
// delete path exists anywhere in the engine.
type AuditLogEntry struct {
	Seq            int64             `json:"seq"`
	ID             string            `json:"id"`
	OpID           string            `json:"op_id"`
	SchemaVersion  int               `json:"schema_version"`
	Timestamp      time.Time         `json:"timestamp"`
	EventType      EventType         `json:"event_type"`
	UserID         string            `json:"user_id"`
	UserRole       string            `json:"user_role"`
	ResourceType   string            `json:"resource_type"`
	ResourceID     string            `json:"resource_id"`
	FieldsAccessed []string          `json:"fields_accessed"`
	Purpose        string            `json:"purpose"`
	Outcome        Outcome           `json:"outcome"`
	IPAddress      string            `json:"ip_address,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	Details        map[string]string `json:"details,omitempty"`
	LogHash        string            `json:"log_hash"`
	PreviousLogHash string           `json:"previous_log_hash"`
}

// AccessDecision is the ephemeral result of a minimum-necessary check.
// Field slices are sorted for deterministic audit serialization.
type AccessDecision struct {
	AllowedFields []string
	DeniedFields  []string
	Justification string
}

// Allowed reports whether the decision grants at least one field.
func (d *AccessDecision) Allowed() bool {
	return len(d.AllowedFields) > 0
}

// VerificationResult reports the outcome of a chain verification pass.
// FirstBrokenSeq is -1 when the verified range is intact.
type VerificationResult struct {
	Valid          bool   `json:"valid"`
	EntriesChecked int    `json:"entries_checked"`
	FirstBrokenSeq int64  `json:"first_broken_seq"`
	BrokenEntryID  string `json:"broken_entry_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// ActivityFilter selects recent activities, most recent first.
type ActivityFilter struct {
	EventType EventType // empty means all event types
	Limit     int
	Offset    int
}

// EntryFilter selects audit log entries for the read endpoints.
type EntryFilter struct {
	UserID string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}
