package phivault

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// KEK version metadata. Envelopes record the version they were written
// under; rotation adds a version, revocation marks one unusable for
// decryption. Versions are never deleted.

func openKeyMetadataDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open key metadata DB: %w", ErrDatabaseUnavailable, err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS kek_versions (
			alias      TEXT    NOT NULL,
			version    INTEGER NOT NULL,
			kms_key_id TEXT    NOT NULL,
			is_revoked BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TEXT    NOT NULL,
			PRIMARY KEY (alias, version)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to initialize key metadata schema: %w", ErrDatabaseUnavailable, err)
	}
	return db, nil
}

// ensureInitialKEK checks if a KEK exists for the configured alias and
// creates version 1 if not.
func (c *Codec) ensureInitialKEK(ctx context.Context) error {
	version, _, err := c.currentKEKVersion(ctx)
	if err == nil && version > 0 {
		return nil
	}

	kmsKeyID, err := c.kms.GetKeyID(ctx, c.kekAlias)
	if err != nil {
		log.Printf("No KEK found in KMS for alias '%s', creating a new one.", c.kekAlias)
		kmsKeyID, err = c.kms.CreateKey(ctx, c.kekAlias)
		if err != nil {
			return fmt.Errorf("%w: failed to create initial KEK: %w", ErrKMSUnavailable, err)
		}
	}

	_, err = c.keyDB.ExecContext(ctx, `
		INSERT INTO kek_versions (alias, version, kms_key_id, created_at) VALUES (?, ?, ?, ?)
	`, c.kekAlias, 1, kmsKeyID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("%w: failed to record initial KEK: %w", ErrDatabaseUnavailable, err)
	}

	c.hook.OnKeyOperation(ctx, "create", c.kekAlias, 1, nil)
	log.Printf("Initial KEK created for alias '%s' with KMS ID '%s'", c.kekAlias, kmsKeyID)
	return nil
}

// currentKEKVersion returns the newest non-revoked version for the codec's
// alias and its KMS key ID.
func (c *Codec) currentKEKVersion(ctx context.Context) (int, string, error) {
	row := c.keyDB.QueryRowContext(ctx, `
		SELECT version, kms_key_id FROM kek_versions
		WHERE alias = ? AND is_revoked = FALSE
		ORDER BY version DESC
		LIMIT 1
	`, c.kekAlias)
	var version int
	var kmsKeyID string
	err := row.Scan(&version, &kmsKeyID)
	if err == sql.ErrNoRows {
		return 0, "", fmt.Errorf("no active KEK version for alias %q", c.kekAlias)
	}
	if err != nil {
		return 0, "", fmt.Errorf("%w: %w", ErrDatabaseUnavailable, err)
	}
	return version, kmsKeyID, nil
}

// kekVersion looks up a specific version, returning its KMS key ID and
// revocation state.
func (c *Codec) kekVersion(ctx context.Context, version int) (string, bool, error) {
	row := c.keyDB.QueryRowContext(ctx, `
		SELECT kms_key_id, is_revoked FROM kek_versions
		WHERE alias = ? AND version = ?
	`, c.kekAlias, version)
	var kmsKeyID string
	var revoked bool
	err := row.Scan(&kmsKeyID, &revoked)
	if err == sql.ErrNoRows {
		return "", false, fmt.Errorf("unknown KEK version")
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %w", ErrDatabaseUnavailable, err)
	}
	return kmsKeyID, revoked, nil
}

// RotateKEK creates the next KEK version and makes it current for new
// envelopes. Old versions stay decryptable until revoked, so rotation does
// not require re-encrypting existing data.
func (c *Codec) RotateKEK(ctx context.Context) (int, error) {
	current, _, err := c.currentKEKVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrKMSUnavailable, err)
	}
	newVersion := current + 1

	kmsKeyID, err := c.kms.CreateKey(ctx, c.kekAlias)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to create new KEK version: %w", ErrKMSUnavailable, err)
	}

	_, err = c.keyDB.ExecContext(ctx, `
		INSERT INTO kek_versions (alias, version, kms_key_id, created_at) VALUES (?, ?, ?, ?)
	`, c.kekAlias, newVersion, kmsKeyID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("%w: failed to record new KEK version: %w", ErrDatabaseUnavailable, err)
	}

	c.hook.OnKeyOperation(ctx, "rotate", c.kekAlias, newVersion, nil)
	log.Printf("KEK rotated for alias '%s'. New version: %d, KMS ID: '%s'", c.kekAlias, newVersion, kmsKeyID)
	return newVersion, nil
}

// RevokeKEKVersion marks a version unusable. Envelopes written under it
// fail decryption with ErrKeyRevoked from then on; the caller-side fallback
// ladder decides what the reader sees.
func (c *Codec) RevokeKEKVersion(ctx context.Context, version int) error {
	res, err := c.keyDB.ExecContext(ctx, `
		UPDATE kek_versions SET is_revoked = TRUE
		WHERE alias = ? AND version = ?
	`, c.kekAlias, version)
	if err != nil {
		return fmt.Errorf("%w: failed to revoke KEK version %d: %w", ErrDatabaseUnavailable, version, err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("%w: unknown KEK version %d for alias %q", ErrInvalidConfiguration, version, c.kekAlias)
	}

	c.hook.OnKeyOperation(ctx, "revoke", c.kekAlias, version, nil)
	log.Printf("KEK version %d revoked for alias '%s'", version, c.kekAlias)
	return nil
}
