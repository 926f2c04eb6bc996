package phivault

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/careport/phivault/internal/canonical"
	"github.com/careport/phivault/internal/monitoring"
)

// GenesisHash is the previous_log_hash of the first entry in a chain.
const GenesisHash = canonical.GenesisHash

// ChainWriter appends tamper-evident entries to one logical audit chain.
//
// The writer is the engine's sole mandatory mutual-exclusion boundary: the
// read-tail / hash / persist / advance sequence runs under a single mutex,
// and the store performs a durable compare-and-swap on the tail pointer so
// that two appends can never be computed against the same previous hash,
// even with a second writer process.
type ChainWriter struct {
	store   AuditStore
	timeout time.Duration
	hook    monitoring.ObservabilityHook
	now     func() time.Time

	mu     sync.Mutex
	tail   string
	lastTS time.Time
	// resync forces a reload of the durable tail after a failed persist,
	// so the writer retries against the last committed tail rather than
	// advancing past a gap.
	resync bool
}

// ChainWriterOption customizes writer construction.
type ChainWriterOption func(*ChainWriter)

// WithAppendTimeout bounds how long Append may block on storage I/O.
func WithAppendTimeout(d time.Duration) ChainWriterOption {
	return func(w *ChainWriter) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithChainObservabilityHook installs an observability hook on the writer.
func WithChainObservabilityHook(hook monitoring.ObservabilityHook) ChainWriterOption {
	return func(w *ChainWriter) {
		if hook != nil {
			w.hook = hook
		}
	}
}

// withClock overrides the writer's clock in tests.
func withClock(now func() time.Time) ChainWriterOption {
	return func(w *ChainWriter) { w.now = now }
}

// NewChainWriter loads the current durable tail (or starts at the genesis
// value for an empty chain) and returns an active writer. This is the only
// state transition the writer has; it happens exactly once per process.
func NewChainWriter(ctx context.Context, store AuditStore, opts ...ChainWriterOption) (*ChainWriter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: audit store is required", ErrInvalidConfiguration)
	}

	w := &ChainWriter{
		store:   store,
		timeout: 5 * time.Second,
		hook:    &monitoring.NoOpHook{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}

	tail, err := store.TailHash(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load chain tail: %w", ErrChainNotInitialized, err)
	}
	w.tail = tail
	return w, nil
}

// Append assigns an ID and timestamp to the draft, chains it onto the
// current tail and persists it. Appends with an OpID already in the chain
// return the previously stored entry unchanged.
//
// The write runs on a context detached from request cancellation: once a
// caller has observed an authorization decision the audit write must
// complete (or fail the operation), so a cancelled request cannot leave an
// authorized-but-unaudited access behind. The detached context is still
// bounded by the writer's timeout.
func (w *ChainWriter) Append(ctx context.Context, draft EntryDraft) (*AuditLogEntry, error) {
	start := time.Now()
	metadata := map[string]any{"event_type": string(draft.EventType), "op_id": draft.OpID}
	w.hook.OnProcessStart(ctx, "Append", metadata)

	entry, err := w.append(ctx, draft)
	if err != nil {
		w.hook.OnError(ctx, "Append", err, metadata)
	}
	w.hook.OnProcessComplete(ctx, "Append", time.Since(start), err, metadata)
	return entry, err
}

func (w *ChainWriter) append(ctx context.Context, draft EntryDraft) (*AuditLogEntry, error) {
	if err := validateDraft(draft); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
	defer cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.resync {
		tail, err := w.store.TailHash(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to reload chain tail: %w", ErrChainPersistence, err)
		}
		w.tail = tail
		w.resync = false
	}

	// Idempotency: a retried operation must not become a second entry.
	if existing, err := w.store.FindByOpID(ctx, draft.OpID); err != nil {
		return nil, fmt.Errorf("%w: dedup lookup failed: %w", ErrChainPersistence, err)
	} else if existing != nil {
		return existing, nil
	}

	ts := w.now().UTC()
	if !ts.After(w.lastTS) {
		ts = w.lastTS.Add(time.Nanosecond)
	}

	entry := &AuditLogEntry{
		ID:              uuid.NewString(),
		OpID:            draft.OpID,
		SchemaVersion:   canonical.SchemaVersion,
		Timestamp:       ts,
		EventType:       draft.EventType,
		UserID:          draft.UserID,
		UserRole:        draft.UserRole,
		ResourceType:    draft.ResourceType,
		ResourceID:      draft.ResourceID,
		FieldsAccessed:  append([]string(nil), draft.FieldsAccessed...),
		Purpose:         draft.Purpose,
		Outcome:         draft.Outcome,
		IPAddress:       draft.IPAddress,
		SessionID:       draft.SessionID,
		Details:         cloneDetails(draft.Details),
		PreviousLogHash: w.tail,
	}

	hash, err := canonical.Hash(entry.SchemaVersion, canonicalRecord(entry), w.tail)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrChainPersistence, err)
	}
	entry.LogHash = hash

	if err := w.store.AppendEntry(ctx, entry, w.tail); err != nil {
		// Do not advance the in-memory tail; the next append re-reads the
		// durably committed tail so the chain has no gap and no duplicate.
		w.resync = true
		return nil, fmt.Errorf("%w: %w", ErrChainPersistence, err)
	}

	w.tail = entry.LogHash
	w.lastTS = ts
	return entry, nil
}

func validateDraft(draft EntryDraft) error {
	if draft.OpID == "" {
		return ErrMissingOperationID
	}
	if !draft.EventType.Valid() {
		return NewInvalidEntryError("event_type", fmt.Sprintf("%q is not a known event type", draft.EventType))
	}
	if !draft.Outcome.Valid() {
		return NewInvalidEntryError("outcome", fmt.Sprintf("%q is not a known outcome", draft.Outcome))
	}
	if draft.UserID == "" {
		return NewInvalidEntryError("user_id", "is required")
	}
	if draft.EventType == EventPHIAccess {
		if draft.Outcome == OutcomeSuccess {
			if draft.Purpose == "" {
				return NewInvalidEntryError("purpose", "is required for PHI access")
			}
			if len(draft.FieldsAccessed) == 0 {
				return NewInvalidEntryError("fields_accessed", "must be non-empty for successful PHI access")
			}
		}
	} else if len(draft.FieldsAccessed) != 0 {
		return NewInvalidEntryError("fields_accessed", "must be empty for non-PHI events")
	}
	return nil
}

func canonicalRecord(e *AuditLogEntry) canonical.Record {
	return canonical.Record{
		ID:             e.ID,
		Timestamp:      e.Timestamp,
		EventType:      string(e.EventType),
		UserID:         e.UserID,
		UserRole:       e.UserRole,
		ResourceType:   e.ResourceType,
		ResourceID:     e.ResourceID,
		FieldsAccessed: e.FieldsAccessed,
		Purpose:        e.Purpose,
		Outcome:        string(e.Outcome),
		IPAddress:      e.IPAddress,
		SessionID:      e.SessionID,
		Details:        e.Details,
	}
}

func cloneDetails(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
