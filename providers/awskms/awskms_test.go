package awskms

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	phivault "github.com/careport/phivault"
)

type fakeKMS struct {
	describeKeyID string
	describeErr   error
	createKeyID   string
	encryptErr    error
	decryptErr    error
}

func (f *fakeKMS) DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	return &kms.DescribeKeyOutput{
		KeyMetadata: &types.KeyMetadata{KeyId: aws.String(f.describeKeyID)},
	}, nil
}

func (f *fakeKMS) CreateKey(ctx context.Context, params *kms.CreateKeyInput, optFns ...func(*kms.Options)) (*kms.CreateKeyOutput, error) {
	return &kms.CreateKeyOutput{
		KeyMetadata: &types.KeyMetadata{KeyId: aws.String(f.createKeyID)},
	}, nil
}

func (f *fakeKMS) Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error) {
	if f.encryptErr != nil {
		return nil, f.encryptErr
	}
	blob := append([]byte("wrapped:"), params.Plaintext...)
	return &kms.EncryptOutput{CiphertextBlob: blob}, nil
}

func (f *fakeKMS) Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	if f.decryptErr != nil {
		return nil, f.decryptErr
	}
	return &kms.DecryptOutput{Plaintext: params.CiphertextBlob[len("wrapped:"):]}, nil
}

func TestKMSService_GetKeyID(t *testing.T) {
	ctx := context.Background()

	t.Run("bare alias gets the alias prefix", func(t *testing.T) {
		svc := &KMSService{client: &fakeKMS{describeKeyID: "key-123"}}
		keyID, err := svc.GetKeyID(ctx, "phivault-kek")
		require.NoError(t, err)
		assert.Equal(t, "key-123", keyID)
	})

	t.Run("empty alias rejected", func(t *testing.T) {
		svc := &KMSService{client: &fakeKMS{}}
		_, err := svc.GetKeyID(ctx, "")
		assert.ErrorIs(t, err, phivault.ErrInvalidConfiguration)
	})

	t.Run("kms outage surfaces as unavailable", func(t *testing.T) {
		svc := &KMSService{client: &fakeKMS{describeErr: errors.New("throttled")}}
		_, err := svc.GetKeyID(ctx, "alias/phivault-kek")
		assert.ErrorIs(t, err, phivault.ErrKMSUnavailable)
	})
}

func TestKMSService_WrapUnwrap(t *testing.T) {
	ctx := context.Background()
	svc := &KMSService{client: &fakeKMS{}}
	dek := []byte("0123456789abcdef0123456789abcdef")

	wrapped, err := svc.EncryptDEK(ctx, "key-123", dek)
	require.NoError(t, err)

	// Wrapped DEKs are stored base64-encoded inside envelopes.
	_, err = base64.StdEncoding.DecodeString(string(wrapped))
	require.NoError(t, err)

	unwrapped, err := svc.DecryptDEK(ctx, "key-123", wrapped)
	require.NoError(t, err)
	assert.Equal(t, dek, unwrapped)

	t.Run("empty inputs rejected", func(t *testing.T) {
		_, err := svc.EncryptDEK(ctx, "key-123", nil)
		assert.ErrorIs(t, err, phivault.ErrEncryptionFailed)
		_, err = svc.DecryptDEK(ctx, "key-123", nil)
		assert.ErrorIs(t, err, phivault.ErrDecryptionFailed)
	})

	t.Run("invalid base64 rejected", func(t *testing.T) {
		_, err := svc.DecryptDEK(ctx, "key-123", []byte("%%%not-base64%%%"))
		assert.ErrorIs(t, err, phivault.ErrDecryptionFailed)
	})

	t.Run("wrap failure classified", func(t *testing.T) {
		failing := &KMSService{client: &fakeKMS{encryptErr: errors.New("access denied")}}
		_, err := failing.EncryptDEK(ctx, "key-123", dek)
		assert.ErrorIs(t, err, phivault.ErrEncryptionFailed)
	})
}
