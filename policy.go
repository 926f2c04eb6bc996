package phivault

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/hengadev/errsx"
	"gopkg.in/yaml.v3"
)

// reservedResourceTypes may never appear in a policy table. Debug and
// introspection surfaces bypass normal resource modeling, so they are
// always denied for every role; refusing them at load time guarantees no
// configuration can default-allow them.
var reservedResourceTypes = map[string]struct{}{
	"debug":         {},
	"test":          {},
	"introspection": {},
}

// PolicyConfig is the YAML shape of the minimum-necessary table:
//
//	roles:
//	  lab_tech:
//	    Patient: [id, gender]
//	phi_resources: [Patient, Observation]
//	compliance:
//	  privileged_roles: [admin, security_officer]
type PolicyConfig struct {
	Roles        map[string]map[string][]string `yaml:"roles"`
	PHIResources []string                       `yaml:"phi_resources"`
	Compliance   ComplianceConfig               `yaml:"compliance"`
}

// ComplianceConfig tunes the reporter's checks.
type ComplianceConfig struct {
	PrivilegedRoles []string `yaml:"privileged_roles"`
}

// LoadPolicyConfig reads and parses the policy YAML. Any failure here is a
// startup-fatal configuration error, never a per-request condition.
func LoadPolicyConfig(path string) (*PolicyConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, NewPolicyConfigurationError(fmt.Errorf("cannot read policy table: %w", err))
	}
	var cfg PolicyConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, NewPolicyConfigurationError(fmt.Errorf("cannot parse policy table: %w", err))
	}
	return &cfg, nil
}

// PolicyTable is the immutable, process-wide role -> resource -> field
// visibility table. It is built once at startup and never mutated, so
// concurrent reads need no locking.
type PolicyTable struct {
	roles        map[string]map[string]map[string]struct{}
	phiResources map[string]struct{}
	privileged   map[string]struct{}
}

// NewPolicyTable validates cfg and builds the table. Every malformed piece
// is reported at once; the service must not accept PHI traffic when this
// fails (fail closed).
func NewPolicyTable(cfg *PolicyConfig) (*PolicyTable, error) {
	var errs errsx.Map

	if cfg == nil || len(cfg.Roles) == 0 {
		return nil, NewPolicyConfigurationError(fmt.Errorf("role table is empty"))
	}

	roles := make(map[string]map[string]map[string]struct{}, len(cfg.Roles))
	for role, resources := range cfg.Roles {
		if strings.TrimSpace(role) == "" {
			errs.Set("roles", "role name must not be blank")
			continue
		}
		byResource := make(map[string]map[string]struct{}, len(resources))
		for resource, fields := range resources {
			if _, reserved := reservedResourceTypes[strings.ToLower(resource)]; reserved {
				errs.Set(fmt.Sprintf("roles.%s.%s", role, resource), "reserved resource type may not be configured")
				continue
			}
			if len(fields) == 0 {
				errs.Set(fmt.Sprintf("roles.%s.%s", role, resource), "field list must not be empty; omit the resource to deny it")
				continue
			}
			set := make(map[string]struct{}, len(fields))
			for _, f := range fields {
				if strings.TrimSpace(f) == "" {
					errs.Set(fmt.Sprintf("roles.%s.%s", role, resource), "field name must not be blank")
					continue
				}
				set[f] = struct{}{}
			}
			byResource[resource] = set
		}
		roles[role] = byResource
	}

	phi := make(map[string]struct{}, len(cfg.PHIResources))
	for _, r := range cfg.PHIResources {
		if _, reserved := reservedResourceTypes[strings.ToLower(r)]; reserved {
			errs.Set("phi_resources", fmt.Sprintf("reserved resource type %q may not be listed", r))
			continue
		}
		phi[r] = struct{}{}
	}

	if err := errs.AsError(); err != nil {
		return nil, NewPolicyConfigurationError(err)
	}

	privileged := make(map[string]struct{}, len(cfg.Compliance.PrivilegedRoles))
	for _, r := range cfg.Compliance.PrivilegedRoles {
		privileged[r] = struct{}{}
	}

	return &PolicyTable{roles: roles, phiResources: phi, privileged: privileged}, nil
}

// IsPHIResource reports whether the resource type carries PHI and so
// requires a stated purpose.
func (t *PolicyTable) IsPHIResource(resourceType string) bool {
	_, ok := t.phiResources[resourceType]
	return ok
}

// PrivilegedRoles returns the roles the compliance reporter treats as
// privileged for MFA adoption.
func (t *PolicyTable) PrivilegedRoles() []string {
	out := make([]string, 0, len(t.privileged))
	for r := range t.privileged {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// allowedFields returns the configured visibility set for (role, resource),
// or ok=false when either is unconfigured, which always means deny-all.
func (t *PolicyTable) allowedFields(role, resourceType string) (map[string]struct{}, bool) {
	byResource, ok := t.roles[role]
	if !ok {
		return nil, false
	}
	set, ok := byResource[resourceType]
	return set, ok
}

// AccessRequest is one caller request to see fields of a resource.
type AccessRequest struct {
	// OpID deduplicates the audit append for retried requests.
	OpID            string
	UserID          string
	Role            string
	ResourceType    string
	ResourceID      string
	RequestedFields []string
	Context         AuditContext
}

// PolicyEngine enforces the minimum-necessary rule and records every
// decision in the audit chain.
type PolicyEngine struct {
	table  *PolicyTable
	writer *ChainWriter
}

// NewPolicyEngine builds the engine over an immutable table and the chain
// writer used for decision records.
func NewPolicyEngine(table *PolicyTable, writer *ChainWriter) (*PolicyEngine, error) {
	if table == nil {
		return nil, NewPolicyConfigurationError(fmt.Errorf("policy table is required"))
	}
	if writer == nil {
		return nil, fmt.Errorf("%w: chain writer is required", ErrInvalidConfiguration)
	}
	return &PolicyEngine{table: table, writer: writer}, nil
}

// Decide computes the minimum-necessary decision without side effects:
// allowed = requested ∩ configured visibility, everything else denied.
// Unconfigured roles or resources, reserved resource types, and a missing
// purpose on a PHI resource each deny every requested field. Denial is a
// normal decision, not an error.
func (e *PolicyEngine) Decide(req AccessRequest) *AccessDecision {
	requested := dedupeSorted(req.RequestedFields)

	deny := func(justification string) *AccessDecision {
		return &AccessDecision{
			DeniedFields:  requested,
			Justification: justification,
		}
	}

	if _, reserved := reservedResourceTypes[strings.ToLower(req.ResourceType)]; reserved {
		return deny("reserved resource type is always denied")
	}
	if e.table.IsPHIResource(req.ResourceType) && strings.TrimSpace(req.Context.Purpose) == "" {
		return deny("purpose is required for PHI resources")
	}

	visible, ok := e.table.allowedFields(req.Role, req.ResourceType)
	if !ok {
		return deny(fmt.Sprintf("role %q has no configured access to resource type %q", req.Role, req.ResourceType))
	}

	var allowed, denied []string
	for _, f := range requested {
		if _, ok := visible[f]; ok {
			allowed = append(allowed, f)
		} else {
			denied = append(denied, f)
		}
	}

	justification := "minimum necessary fields granted"
	if len(allowed) == 0 {
		justification = "no requested field is within the role's minimum necessary set"
	}
	return &AccessDecision{
		AllowedFields: allowed,
		DeniedFields:  denied,
		Justification: justification,
	}
}

// Authorize computes the decision and appends exactly one audit entry
// describing it. The two are atomic from the caller's perspective: when
// the audit write fails, no decision is returned and the enclosing PHI
// operation must fail rather than proceed unaudited.
func (e *PolicyEngine) Authorize(ctx context.Context, req AccessRequest) (*AccessDecision, *AuditLogEntry, error) {
	decision := e.Decide(req)

	entry, err := e.writer.Append(ctx, decisionDraft(req, decision, nil))
	if err != nil {
		return nil, nil, err
	}
	return decision, entry, nil
}

// decisionDraft builds the single audit payload for a decision. Extra
// details (e.g. field degradation flags) may be merged in by the engine
// facade.
func decisionDraft(req AccessRequest, decision *AccessDecision, extra map[string]string) EntryDraft {
	outcome := OutcomeDenied
	var accessed []string
	if decision.Allowed() {
		outcome = OutcomeSuccess
		accessed = decision.AllowedFields
	}

	details := map[string]string{
		"justification": decision.Justification,
	}
	if len(decision.DeniedFields) > 0 {
		details["denied_fields"] = strings.Join(decision.DeniedFields, ",")
	}
	for k, v := range extra {
		details[k] = v
	}

	return EntryDraft{
		OpID:           req.OpID,
		EventType:      EventPHIAccess,
		UserID:         req.UserID,
		UserRole:       req.Role,
		ResourceType:   req.ResourceType,
		ResourceID:     req.ResourceID,
		FieldsAccessed: accessed,
		Purpose:        req.Context.Purpose,
		Outcome:        outcome,
		IPAddress:      req.Context.IPAddress,
		SessionID:      req.Context.SessionID,
		Details:        details,
	}
}

func dedupeSorted(fields []string) []string {
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, dup := seen[f]; dup || f == "" {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
