package phivault

import (
	"errors"
	"fmt"
)

var (
	// High-level service errors
	ErrKMSUnavailable       = errors.New("KMS service unavailable")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrEncryptionFailed     = errors.New("encryption failed")
	ErrDecryptionFailed     = errors.New("decryption failed")
	ErrKeyRevoked           = errors.New("key version revoked")
	ErrDatabaseUnavailable  = errors.New("database unavailable")

	// Policy errors
	ErrPolicyConfiguration = errors.New("policy configuration invalid")
	ErrAccessDenied        = errors.New("access denied")

	// Chain errors
	ErrChainPersistence       = errors.New("audit chain persistence failed")
	ErrChainIntegrityViolated = errors.New("audit chain integrity violated")
	ErrChainNotInitialized    = errors.New("audit chain writer not initialized")
	ErrInvalidEntry           = errors.New("invalid audit entry")
	ErrMissingOperationID     = errors.New("missing operation identifier")
)

func NewInvalidEntryError(field string, reason string) error {
	return fmt.Errorf("%w: %s %s", ErrInvalidEntry, field, reason)
}

func NewPolicyConfigurationError(detail error) error {
	return fmt.Errorf("%w: %w", ErrPolicyConfiguration, detail)
}

// IsConfigurationError reports whether err represents a configuration
// problem that must stop the service before it accepts PHI traffic.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrPolicyConfiguration)
}

// IsCryptoError reports whether err is a cryptographic failure. Decryption
// failures are recoverable at the request boundary via the fallback ladder;
// encryption failures fail the operation.
func IsCryptoError(err error) bool {
	return errors.Is(err, ErrEncryptionFailed) ||
		errors.Is(err, ErrDecryptionFailed) ||
		errors.Is(err, ErrKeyRevoked)
}

// IsChainError reports whether err means the audit sink is unusable. A PHI
// access whose audit write failed must itself fail; these errors are not
// recoverable at the request boundary.
func IsChainError(err error) bool {
	return errors.Is(err, ErrChainPersistence) ||
		errors.Is(err, ErrChainNotInitialized) ||
		errors.Is(err, ErrDatabaseUnavailable)
}

// IsRetryableError reports whether err represents a transient infrastructure
// failure. Chain appends are never retried blindly; callers retry with the
// same operation ID so the append stays idempotent.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrKMSUnavailable) ||
		errors.Is(err, ErrDatabaseUnavailable)
}
