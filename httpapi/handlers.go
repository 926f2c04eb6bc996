package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	phivault "github.com/careport/phivault"
)

// Handlers serves the read-only audit and compliance projections. Nothing
// here can mutate the chain, and nothing here ever returns ciphertext,
// envelopes, or key material.
type Handlers struct {
	store    phivault.AuditStore
	reporter *phivault.Reporter
}

// NewHandlers creates the read API handlers.
func NewHandlers(store phivault.AuditStore, reporter *phivault.Reporter) *Handlers {
	return &Handlers{store: store, reporter: reporter}
}

// HealthCheck handles health check requests.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "phivault",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// activityView is the wire shape of an audit entry. Hashes are included so
// operators can spot-check the chain; there is nothing secret in an entry.
type activityView struct {
	Seq             int64             `json:"seq"`
	ID              string            `json:"id"`
	Timestamp       time.Time         `json:"timestamp"`
	EventType       string            `json:"event_type"`
	UserID          string            `json:"user_id"`
	UserRole        string            `json:"user_role,omitempty"`
	ResourceType    string            `json:"resource_type,omitempty"`
	ResourceID      string            `json:"resource_id,omitempty"`
	FieldsAccessed  []string          `json:"fields_accessed,omitempty"`
	Purpose         string            `json:"purpose,omitempty"`
	Outcome         string            `json:"outcome"`
	IPAddress       string            `json:"ip_address,omitempty"`
	Details         map[string]string `json:"details,omitempty"`
	LogHash         string            `json:"log_hash"`
	PreviousLogHash string            `json:"previous_log_hash"`
}

func toView(e *phivault.AuditLogEntry) activityView {
	return activityView{
		Seq:             e.Seq,
		ID:              e.ID,
		Timestamp:       e.Timestamp,
		EventType:       string(e.EventType),
		UserID:          e.UserID,
		UserRole:        e.UserRole,
		ResourceType:    e.ResourceType,
		ResourceID:      e.ResourceID,
		FieldsAccessed:  e.FieldsAccessed,
		Purpose:         e.Purpose,
		Outcome:         string(e.Outcome),
		IPAddress:       e.IPAddress,
		Details:         e.Details,
		LogHash:         e.LogHash,
		PreviousLogHash: e.PreviousLogHash,
	}
}

// ListActivities lists recent activities, most recent first, optionally
// filtered by event type.
func (h *Handlers) ListActivities(w http.ResponseWriter, r *http.Request) {
	filter := phivault.ActivityFilter{
		EventType: phivault.EventType(r.URL.Query().Get("event_type")),
		Limit:     queryInt(r, "limit", 50),
		Offset:    queryInt(r, "offset", 0),
	}
	if filter.EventType != "" && !filter.EventType.Valid() {
		respondError(w, http.StatusBadRequest, "unknown event_type")
		return
	}

	entries, err := h.store.RecentActivities(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	respond(w, http.StatusOK, viewList(entries))
}

// ListEntries lists audit log entries filtered by user and date range.
func (h *Handlers) ListEntries(w http.ResponseWriter, r *http.Request) {
	filter := phivault.EntryFilter{
		UserID: r.URL.Query().Get("user_id"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}

	var err error
	if filter.From, err = queryTime(r, "from"); err != nil {
		respondError(w, http.StatusBadRequest, "invalid 'from' timestamp, want RFC3339")
		return
	}
	if filter.To, err = queryTime(r, "to"); err != nil {
		respondError(w, http.StatusBadRequest, "invalid 'to' timestamp, want RFC3339")
		return
	}

	entries, err := h.store.Entries(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	respond(w, http.StatusOK, viewList(entries))
}

// ComplianceReport generates the compliance report for a closed period.
func (h *Handlers) ComplianceReport(w http.ResponseWriter, r *http.Request) {
	standard := phivault.ComplianceStandard(r.URL.Query().Get("standard"))
	if standard == "" {
		standard = phivault.StandardHIPAA
	}

	from, err := queryTime(r, "from")
	if err != nil || from.IsZero() {
		respondError(w, http.StatusBadRequest, "'from' is required, RFC3339")
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid 'to' timestamp, want RFC3339")
		return
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}

	report, err := h.reporter.GenerateReport(r.Context(), standard, from, to)
	if err != nil {
		if phivault.IsConfigurationError(err) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "report generation failed")
		return
	}
	respond(w, http.StatusOK, report)
}

// VerifyChain re-verifies a sequence range of the chain.
func (h *Handlers) VerifyChain(w http.ResponseWriter, r *http.Request) {
	fromSeq := int64(queryInt(r, "from_seq", 1))
	toSeq := int64(queryInt(r, "to_seq", 0))

	result, err := phivault.VerifyChain(r.Context(), h.store, fromSeq, toSeq)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "verification failed")
		return
	}
	respond(w, http.StatusOK, result)
}

func viewList(entries []phivault.AuditLogEntry) []activityView {
	views := make([]activityView, len(entries))
	for i := range entries {
		views[i] = toView(&entries[i])
	}
	return views
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func queryTime(r *http.Request, key string) (time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respond(w, status, map[string]string{"error": message})
}
