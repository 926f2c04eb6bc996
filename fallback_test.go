package phivault_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	phivault "github.com/careport/phivault"
)

func TestRecoverField(t *testing.T) {
	ctx := context.Background()

	legacyStore := map[string]string{
		"Patient/p-1/first_name": "Marie",
	}
	legacy := func(ctx context.Context, resourceType, resourceID, fieldName string) (string, bool) {
		v, ok := legacyStore[resourceType+"/"+resourceID+"/"+fieldName]
		return v, ok
	}

	t.Run("healthy envelope decrypts", func(t *testing.T) {
		codec, _ := newTestCodec(t)
		env, err := codec.EncryptField(ctx, "first_name", []byte("Marie"))
		require.NoError(t, err)

		res, err := phivault.RecoverField(ctx, codec, env, "Patient", "p-1", legacy)
		require.NoError(t, err)
		assert.Equal(t, phivault.SourceDecrypted, res.Source)
		assert.Equal(t, "Marie", res.Value)
		assert.False(t, res.Degraded())
	})

	t.Run("tampered envelope falls back to legacy value", func(t *testing.T) {
		codec, _ := newTestCodec(t)
		env, err := codec.EncryptField(ctx, "first_name", []byte("Marie"))
		require.NoError(t, err)
		env.Ciphertext[0] ^= 0xff

		res, err := phivault.RecoverField(ctx, codec, env, "Patient", "p-1", legacy)
		require.NoError(t, err)
		assert.Equal(t, phivault.SourceLegacy, res.Source)
		assert.Equal(t, "Marie", res.Value)
		assert.True(t, res.Degraded())
	})

	t.Run("no legacy value yields the placeholder", func(t *testing.T) {
		codec, _ := newTestCodec(t)
		env, err := codec.EncryptField(ctx, "ssn", []byte("078-05-1120"))
		require.NoError(t, err)
		env.Ciphertext[0] ^= 0xff

		res, err := phivault.RecoverField(ctx, codec, env, "Patient", "p-1", legacy)
		require.NoError(t, err)
		assert.Equal(t, phivault.SourcePlaceholder, res.Source)
		assert.Equal(t, phivault.RedactionPlaceholder, res.Value)
	})

	t.Run("nil legacy lookup yields the placeholder", func(t *testing.T) {
		codec, _ := newTestCodec(t)
		env, err := codec.EncryptField(ctx, "ssn", []byte("078-05-1120"))
		require.NoError(t, err)
		env.Ciphertext[0] ^= 0xff

		res, err := phivault.RecoverField(ctx, codec, env, "Patient", "p-1", nil)
		require.NoError(t, err)
		assert.Equal(t, phivault.SourcePlaceholder, res.Source)
	})

	t.Run("revoked key version degrades instead of failing", func(t *testing.T) {
		codec, _ := newTestCodec(t)
		env, err := codec.EncryptField(ctx, "first_name", []byte("Marie"))
		require.NoError(t, err)
		_, err = codec.RotateKEK(ctx)
		require.NoError(t, err)
		require.NoError(t, codec.RevokeKEKVersion(ctx, 1))

		res, err := phivault.RecoverField(ctx, codec, env, "Patient", "p-1", legacy)
		require.NoError(t, err)
		assert.Equal(t, phivault.SourceLegacy, res.Source)
	})

	t.Run("cancelled context propagates", func(t *testing.T) {
		codec, kms := newTestCodec(t)
		env, err := codec.EncryptField(ctx, "first_name", []byte("Marie"))
		require.NoError(t, err)
		kms.FailWraps(true)

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err = phivault.RecoverField(cancelled, codec, env, "Patient", "p-1", legacy)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestFieldSourceString(t *testing.T) {
	assert.Equal(t, "decrypted", phivault.SourceDecrypted.String())
	assert.Equal(t, "degraded_legacy", phivault.SourceLegacy.String())
	assert.Equal(t, "degraded_placeholder", phivault.SourcePlaceholder.String())
}
