package phivault

import (
	"context"
	"time"
)

// KeyManagementService is the contract for KEK operations. Implementations
// (AWS KMS, HashiCorp Vault Transit) perform cryptographic operations on
// Key Encryption Keys without ever exposing key material to this process.
//
// Implementations:
//   - AWS KMS: github.com/careport/phivault/providers/awskms
//   - HashiCorp Vault Transit: github.com/careport/phivault/providers/hashicorpvault
type KeyManagementService interface {
	// GetKeyID resolves a key alias to a key ID. For AWS KMS this resolves
	// "alias/..." to the underlying key ID; for Vault Transit the key name
	// is returned directly.
	GetKeyID(ctx context.Context, alias string) (string, error)

	// CreateKey creates a new symmetric KEK suitable for wrapping DEKs.
	// The key stays inside the KMS.
	CreateKey(ctx context.Context, description string) (string, error)

	// EncryptDEK wraps a plaintext Data Encryption Key with the KEK
	// identified by keyID. The wrapped DEK is safe to store alongside the
	// ciphertext it protects.
	EncryptDEK(ctx context.Context, keyID string, plaintext []byte) ([]byte, error)

	// DecryptDEK unwraps a DEK previously wrapped by EncryptDEK.
	DecryptDEK(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error)
}

// AuditStore is the append-only persistence contract for the audit chain.
// Implementations must not expose any update or delete operation; the
// sqlite implementation lives in internal/chainstore.
type AuditStore interface {
	// TailHash returns the log hash of the last durably committed entry,
	// or the genesis hash for an empty chain.
	TailHash(ctx context.Context) (string, error)

	// AppendEntry persists entry and advances the durable tail pointer from
	// prevTail to entry.LogHash in one atomic step. It fails with a
	// conflict when the durable tail no longer equals prevTail, which
	// means another writer got there first. On success the assigned
	// sequence number is written back into entry.Seq.
	AppendEntry(ctx context.Context, entry *AuditLogEntry, prevTail string) error

	// FindByOpID returns the entry recorded under the given operation ID,
	// or (nil, nil) when no such entry exists.
	FindByOpID(ctx context.Context, opID string) (*AuditLogEntry, error)

	// EntriesBySeq returns entries with fromSeq <= seq <= toSeq in
	// ascending sequence order. toSeq <= 0 means "through the tail".
	EntriesBySeq(ctx context.Context, fromSeq, toSeq int64) ([]AuditLogEntry, error)

	// EntriesInRange returns all entries with from <= timestamp < to in
	// ascending sequence order.
	EntriesInRange(ctx context.Context, from, to time.Time) ([]AuditLogEntry, error)

	// Entries returns entries matching the filter, most recent first.
	Entries(ctx context.Context, f EntryFilter) ([]AuditLogEntry, error)

	// RecentActivities returns entries most recent first, optionally
	// filtered by event type.
	RecentActivities(ctx context.Context, f ActivityFilter) ([]AuditLogEntry, error)
}
