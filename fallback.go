package phivault

import (
	"context"
	"errors"
)

// RedactionPlaceholder is substituted for a field whose ciphertext cannot
// be decrypted and for which no legacy plaintext exists.
const RedactionPlaceholder = "***ENCRYPTED_UNAVAILABLE***"

// FieldSource says where a recovered field value came from. Anything other
// than SourceDecrypted is a degraded value; the audit layer records the
// degradation so it is never silent.
type FieldSource int

const (
	// SourceDecrypted: authenticated decryption succeeded.
	SourceDecrypted FieldSource = iota
	// SourceLegacy: decryption failed, an unencrypted legacy value for the
	// same logical field was used instead.
	SourceLegacy
	// SourcePlaceholder: decryption failed and no legacy value exists; the
	// caller sees the redaction placeholder.
	SourcePlaceholder
)

func (s FieldSource) String() string {
	switch s {
	case SourceDecrypted:
		return "decrypted"
	case SourceLegacy:
		return "degraded_legacy"
	case SourcePlaceholder:
		return "degraded_placeholder"
	default:
		return "unknown"
	}
}

// FieldResult is the outcome of recovering one field. Modeling the ladder
// as explicit state keeps "was this value trustworthy" machine-checkable
// instead of buried in swallowed errors.
type FieldResult struct {
	FieldName string
	Value     string
	Source    FieldSource
}

// Degraded reports whether the value did not come from authenticated
// decryption.
func (r FieldResult) Degraded() bool {
	return r.Source != SourceDecrypted
}

// LegacyLookup resolves an unencrypted legacy value for a logical field,
// returning ok=false when none exists. Implementations are provided by the
// surrounding application's storage layer.
type LegacyLookup func(ctx context.Context, resourceType, resourceID, fieldName string) (string, bool)

// RecoverField applies the decrypt fallback ladder to one envelope:
//
//  1. authenticated decryption
//  2. unencrypted legacy value, marked degraded
//  3. redaction placeholder, marked degraded
//
// A decryption failure never aborts the enclosing access (that would be a
// silent availability failure for clinical workflows), and it is never
// hidden either: the returned FieldResult carries the degradation and the
// engine writes it into the audit entry. Errors other than decryption
// failures (context cancellation, KMS outage during unwrap is a decryption
// failure by classification) propagate.
func RecoverField(ctx context.Context, codec *Codec, field *EncryptedField, resourceType, resourceID string, legacy LegacyLookup) (FieldResult, error) {
	val, err := codec.DecryptField(ctx, field)
	if err == nil {
		return FieldResult{
			FieldName: field.FieldName,
			Value:     string(val.Plaintext),
			Source:    SourceDecrypted,
		}, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return FieldResult{}, ctxErr
	}
	if !errors.Is(err, ErrDecryptionFailed) && !errors.Is(err, ErrKeyRevoked) {
		return FieldResult{}, err
	}

	if legacy != nil {
		if plain, ok := legacy(ctx, resourceType, resourceID, field.FieldName); ok {
			return FieldResult{
				FieldName: field.FieldName,
				Value:     plain,
				Source:    SourceLegacy,
			}, nil
		}
	}

	return FieldResult{
		FieldName: field.FieldName,
		Value:     RedactionPlaceholder,
		Source:    SourcePlaceholder,
	}, nil
}
