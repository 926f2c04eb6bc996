package phivault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/careport/phivault/internal/monitoring"
)

// AlgAES256GCMHKDF identifies the only envelope algorithm this codec
// produces: AES-256-GCM over an HKDF-SHA256 per-field subkey, with the DEK
// wrapped by a versioned KEK in the KMS. The identifier travels inside the
// envelope so key rotation never needs a flag day.
const AlgAES256GCMHKDF = "AES256-GCM-HKDF"

const dekSize = 32 // AES-256 key size

// EncryptedField is the self-describing ciphertext envelope for one PHI
// attribute. It carries everything needed to decrypt under the key version
// it was written with, and nothing that is secret on its own.
type EncryptedField struct {
	FieldName  string `json:"field_name"`
	Alg        string `json:"alg"`
	KEKVersion int    `json:"kek_version"`
	WrappedDEK []byte `json:"wrapped_dek"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"` // includes the GCM authentication tag
}

// DecryptedValue is the transient plaintext of one field. It is never
// persisted; callers consume it and let it go out of scope.
type DecryptedValue struct {
	FieldName string
	Plaintext []byte
}

// Codec encrypts and decrypts individual PHI field values. Encrypt and
// Decrypt are stateless with respect to each other and safe for concurrent
// use; the only shared state is the read-mostly KEK version table.
type Codec struct {
	kms      KeyManagementService
	kekAlias string
	keyDB    *sql.DB
	hook     monitoring.ObservabilityHook
}

// CodecOption customizes codec construction.
type CodecOption func(*Codec)

// WithCodecObservabilityHook installs an observability hook on the codec.
func WithCodecObservabilityHook(hook monitoring.ObservabilityHook) CodecOption {
	return func(c *Codec) {
		if hook != nil {
			c.hook = hook
		}
	}
}

// NewCodec creates a Codec backed by the given KMS and the KEK version
// metadata database at cfg.KeyDBPath. An initial KEK version is created for
// the alias if none exists yet.
func NewCodec(ctx context.Context, kms KeyManagementService, cfg Config, opts ...CodecOption) (*Codec, error) {
	if kms == nil {
		return nil, fmt.Errorf("%w: KMS service is required", ErrInvalidConfiguration)
	}
	if cfg.KEKAlias == "" {
		return nil, fmt.Errorf("%w: KEK alias is required", ErrInvalidConfiguration)
	}

	keyDB, err := openKeyMetadataDB(cfg.KeyDBPath)
	if err != nil {
		return nil, err
	}

	c := &Codec{
		kms:      kms,
		kekAlias: cfg.KEKAlias,
		keyDB:    keyDB,
		hook:     &monitoring.NoOpHook{},
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.ensureInitialKEK(ctx); err != nil {
		keyDB.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the key metadata database handle.
func (c *Codec) Close() error {
	return c.keyDB.Close()
}

// EncryptField encrypts one field value under the current KEK version.
// A fresh DEK is generated per value, wrapped by the KMS, and a per-field
// subkey is derived from it so that envelopes for different fields never
// share an AES key even when a caller reuses a DEK-sized secret.
func (c *Codec) EncryptField(ctx context.Context, fieldName string, plaintext []byte) (*EncryptedField, error) {
	start := time.Now()
	metadata := map[string]any{"field": fieldName, "key_alias": c.kekAlias}
	c.hook.OnProcessStart(ctx, "EncryptField", metadata)

	env, err := c.encryptField(ctx, fieldName, plaintext)
	if err != nil {
		c.hook.OnError(ctx, "EncryptField", err, metadata)
	}
	c.hook.OnProcessComplete(ctx, "EncryptField", time.Since(start), err, metadata)
	return env, err
}

func (c *Codec) encryptField(ctx context.Context, fieldName string, plaintext []byte) (*EncryptedField, error) {
	if fieldName == "" {
		return nil, fmt.Errorf("%w: field name is required", ErrEncryptionFailed)
	}

	version, kmsKeyID, err := c.currentKEKVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: no usable KEK for alias %q: %w", ErrEncryptionFailed, c.kekAlias, err)
	}

	dek := make([]byte, dekSize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("%w: DEK generation failed: %w", ErrEncryptionFailed, err)
	}

	wrapped, err := c.kms.EncryptDEK(ctx, kmsKeyID, dek)
	if err != nil {
		return nil, fmt.Errorf("%w: DEK wrap failed: %w", ErrEncryptionFailed, err)
	}

	gcm, err := fieldCipher(dek, fieldName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce generation failed: %w", ErrEncryptionFailed, err)
	}

	// The field name is bound as AAD so an envelope cannot be replayed
	// under a different logical field.
	ciphertext := gcm.Seal(nil, nonce, plaintext, []byte(fieldName))

	return &EncryptedField{
		FieldName:  fieldName,
		Alg:        AlgAES256GCMHKDF,
		KEKVersion: version,
		WrappedDEK: wrapped,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// DecryptField decrypts one envelope. Authentication tag verification is
// mandatory: corrupted ciphertext, a tampered tag, a key mismatch, or a
// revoked KEK version all fail and never yield guessed plaintext.
func (c *Codec) DecryptField(ctx context.Context, field *EncryptedField) (*DecryptedValue, error) {
	start := time.Now()
	metadata := map[string]any{"field": field.FieldName, "kek_version": field.KEKVersion}
	c.hook.OnProcessStart(ctx, "DecryptField", metadata)

	val, err := c.decryptField(ctx, field)
	if err != nil {
		c.hook.OnError(ctx, "DecryptField", err, metadata)
	}
	c.hook.OnProcessComplete(ctx, "DecryptField", time.Since(start), err, metadata)
	return val, err
}

func (c *Codec) decryptField(ctx context.Context, field *EncryptedField) (*DecryptedValue, error) {
	if field == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrDecryptionFailed)
	}
	if field.Alg != AlgAES256GCMHKDF {
		return nil, fmt.Errorf("%w: unknown envelope algorithm %q", ErrDecryptionFailed, field.Alg)
	}

	kmsKeyID, revoked, err := c.kekVersion(ctx, field.KEKVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: KEK version %d: %w", ErrDecryptionFailed, field.KEKVersion, err)
	}
	if revoked {
		return nil, fmt.Errorf("%w: KEK version %d for alias %q", ErrKeyRevoked, field.KEKVersion, c.kekAlias)
	}

	dek, err := c.kms.DecryptDEK(ctx, kmsKeyID, field.WrappedDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: DEK unwrap failed: %w", ErrDecryptionFailed, err)
	}
	if len(dek) != dekSize {
		return nil, fmt.Errorf("%w: unwrapped DEK has invalid size %d", ErrDecryptionFailed, len(dek))
	}

	gcm, err := fieldCipher(dek, field.FieldName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	if len(field.Nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: invalid nonce size", ErrDecryptionFailed)
	}

	plaintext, err := gcm.Open(nil, field.Nonce, field.Ciphertext, []byte(field.FieldName))
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed for field %q: %w", ErrDecryptionFailed, field.FieldName, err)
	}

	return &DecryptedValue{FieldName: field.FieldName, Plaintext: plaintext}, nil
}

// fieldCipher derives the per-field AES-GCM cipher from a DEK. The field
// name goes into the HKDF info parameter, so each logical field gets its
// own subkey.
func fieldCipher(dek []byte, fieldName string) (cipher.AEAD, error) {
	key := make([]byte, dekSize)
	kdf := hkdf.New(sha256.New, dek, nil, []byte("phivault/field/"+fieldName))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("field key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
