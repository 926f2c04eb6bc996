package phivault

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Engine is the facade the surrounding application talks to. It ties the
// policy check, the field codec and the audit chain together so that no
// caller can decrypt PHI outside an authorized, audited access.
type Engine struct {
	codec  *Codec
	policy *PolicyEngine
	writer *ChainWriter
	store  AuditStore
	legacy LegacyLookup
}

// EngineOption customizes engine construction.
type EngineOption func(*Engine)

// WithLegacyLookup installs the resolver for unencrypted legacy field
// values used by the decrypt fallback ladder.
func WithLegacyLookup(lookup LegacyLookup) EngineOption {
	return func(e *Engine) { e.legacy = lookup }
}

// NewEngine wires the engine from its components.
func NewEngine(codec *Codec, policy *PolicyEngine, writer *ChainWriter, store AuditStore, opts ...EngineOption) (*Engine, error) {
	if codec == nil || policy == nil || writer == nil || store == nil {
		return nil, fmt.Errorf("%w: codec, policy engine, chain writer and store are all required", ErrInvalidConfiguration)
	}
	e := &Engine{codec: codec, policy: policy, writer: writer, store: store}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// AccessResult is what a caller gets back from AccessResource: the
// decision, the recovered values for the allowed fields, and the audit
// entry that recorded the access.
type AccessResult struct {
	Decision *AccessDecision
	Fields   []FieldResult
	Degraded bool
	Entry    *AuditLogEntry
}

// AccessResource performs one authorized, audited PHI access:
// minimum-necessary decision, decryption of the approved fields through
// the fallback ladder, then exactly one audit entry covering the whole
// operation. Field-level degradation lands in the entry's details, so a
// decrypt failure neither aborts a clinical workflow nor hides from the
// audit trail.
//
// If the audit append fails, the caller gets an error and no data:
// operating unaudited is the one failure mode this engine must never
// allow.
func (e *Engine) AccessResource(ctx context.Context, req AccessRequest, encrypted map[string]*EncryptedField) (*AccessResult, error) {
	if req.OpID == "" {
		req.OpID = uuid.NewString()
	}

	decision := e.policy.Decide(req)

	var fields []FieldResult
	var degradedNames []string
	for _, name := range decision.AllowedFields {
		env, ok := encrypted[name]
		if !ok {
			continue
		}
		res, err := RecoverField(ctx, e.codec, env, req.ResourceType, req.ResourceID, e.legacy)
		if err != nil {
			return nil, err
		}
		fields = append(fields, res)
		if res.Degraded() {
			degradedNames = append(degradedNames, name+"="+res.Source.String())
		}
	}

	extra := map[string]string{}
	if len(degradedNames) > 0 {
		extra["degraded_fields"] = strings.Join(degradedNames, ",")
	}

	entry, err := e.writer.Append(ctx, decisionDraft(req, decision, extra))
	if err != nil {
		return nil, err
	}

	return &AccessResult{
		Decision: decision,
		Fields:   fields,
		Degraded: len(degradedNames) > 0,
		Entry:    entry,
	}, nil
}

// Authorize exposes the policy check with its mandatory audit record, for
// callers that gate access without decrypting through the engine.
func (e *Engine) Authorize(ctx context.Context, req AccessRequest) (*AccessDecision, error) {
	decision, _, err := e.policy.Authorize(ctx, req)
	return decision, err
}

// LogPHIAccess is the only sanctioned way to record a PHI access that
// happened outside AccessResource (exports, batch jobs, break-glass
// reads). It takes the accessed field list, never a collapsed access-type
// string, and the full caller context.
func (e *Engine) LogPHIAccess(ctx context.Context, userID, patientID string, fieldsAccessed []string, purpose string, auditCtx AuditContext) (*AuditLogEntry, error) {
	if purpose == "" {
		purpose = auditCtx.Purpose
	}
	return e.writer.Append(ctx, EntryDraft{
		OpID:           uuid.NewString(),
		EventType:      EventPHIAccess,
		UserID:         userID,
		ResourceType:   "Patient",
		ResourceID:     patientID,
		FieldsAccessed: fieldsAccessed,
		Purpose:        purpose,
		Outcome:        OutcomeSuccess,
		IPAddress:      auditCtx.IPAddress,
		SessionID:      auditCtx.SessionID,
	})
}

// RecordEvent appends a non-PHI audit event (logins, configuration and
// consent changes, security violations).
func (e *Engine) RecordEvent(ctx context.Context, draft EntryDraft) (*AuditLogEntry, error) {
	if draft.OpID == "" {
		draft.OpID = uuid.NewString()
	}
	if draft.EventType == EventPHIAccess {
		return nil, NewInvalidEntryError("event_type", "PHI access must go through AccessResource or LogPHIAccess")
	}
	return e.writer.Append(ctx, draft)
}

// Verify re-checks the hash chain over a sequence range.
func (e *Engine) Verify(ctx context.Context, fromSeq, toSeq int64) (*VerificationResult, error) {
	return e.writer.Verify(ctx, fromSeq, toSeq)
}

// Store exposes the read-only audit projections for the HTTP layer.
func (e *Engine) Store() AuditStore {
	return e.store
}
