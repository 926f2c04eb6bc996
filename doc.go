// Package phivault implements the compliance core of a healthcare records
// service: a tamper-evident, hash-chained audit log, field-level PHI
// envelope encryption with a defined degradation ladder, a role-based
// minimum-necessary access policy, and SOC2/HIPAA compliance reporting.
//
// The engine is built around four components:
//
//   - Codec: authenticated field encryption (AES-256-GCM over HKDF-derived
//     per-field keys, DEKs wrapped by a versioned KEK held in a KMS)
//   - PolicyEngine: role -> resource -> field visibility enforcement; every
//     authorization decision is recorded in the audit chain before the
//     caller can observe it
//   - ChainWriter: append-only, SHA-256 hash-chained audit log with a
//     durable tail pointer and idempotent appends
//   - Reporter: read-only compliance metrics computed over the chain
//
// Key management is delegated to a KeyManagementService; production
// implementations live under providers/ (AWS KMS, HashiCorp Vault Transit).
// Persistence is delegated to an AuditStore; the sqlite implementation
// lives in internal/chainstore.
package phivault
