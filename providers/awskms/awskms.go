// Package awskms implements phivault.KeyManagementService on AWS KMS.
package awskms

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"

	phivault "github.com/careport/phivault"
)

// kmsClient is the subset of the AWS KMS API this provider uses; it exists
// so tests can substitute a fake.
type kmsClient interface {
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
	CreateKey(ctx context.Context, params *kms.CreateKeyInput, optFns ...func(*kms.Options)) (*kms.CreateKeyOutput, error)
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSService implements phivault.KeyManagementService using AWS KMS.
type KMSService struct {
	client kmsClient
	region string
}

// Config holds configuration for the AWS KMS provider.
type Config struct {
	// Region is the AWS region (e.g. "us-east-1"). If empty, the AWS SDK's
	// default resolution applies.
	Region string

	// AWSConfig is an optional pre-built AWS config; when set, Region is
	// ignored.
	AWSConfig *aws.Config
}

// New creates an AWS KMS provider.
func New(ctx context.Context, cfg Config) (*KMSService, error) {
	var awsConfig aws.Config
	var err error

	if cfg.AWSConfig != nil {
		awsConfig = *cfg.AWSConfig
	} else {
		opts := []func(*config.LoadOptions) error{}
		if cfg.Region != "" {
			opts = append(opts, config.WithRegion(cfg.Region))
		}
		awsConfig, err = config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to load AWS config: %w", phivault.ErrKMSUnavailable, err)
		}
	}

	return &KMSService{
		client: kms.NewFromConfig(awsConfig),
		region: awsConfig.Region,
	}, nil
}

// GetKeyID resolves a KMS alias ("alias/..." prefix added when missing) to
// the key ID it points at.
func (k *KMSService) GetKeyID(ctx context.Context, alias string) (string, error) {
	if alias == "" {
		return "", fmt.Errorf("%w: alias cannot be empty", phivault.ErrInvalidConfiguration)
	}
	aliasName := alias
	if !strings.HasPrefix(alias, "alias/") && !strings.HasPrefix(alias, "arn:") {
		aliasName = "alias/" + alias
	}

	result, err := k.client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(aliasName)})
	if err != nil {
		return "", fmt.Errorf("%w: failed to describe KMS key %s: %w", phivault.ErrKMSUnavailable, aliasName, err)
	}
	if result.KeyMetadata == nil || result.KeyMetadata.KeyId == nil {
		return "", fmt.Errorf("%w: no key metadata returned for alias %s", phivault.ErrKMSUnavailable, aliasName)
	}
	return *result.KeyMetadata.KeyId, nil
}

// CreateKey creates a symmetric KEK suitable for wrapping DEKs.
func (k *KMSService) CreateKey(ctx context.Context, description string) (string, error) {
	result, err := k.client.CreateKey(ctx, &kms.CreateKeyInput{
		Description: aws.String(description),
		KeyUsage:    types.KeyUsageTypeEncryptDecrypt,
		KeySpec:     types.KeySpecSymmetricDefault,
		MultiRegion: aws.Bool(false),
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to create KMS key: %w", phivault.ErrKMSUnavailable, err)
	}
	if result.KeyMetadata == nil || result.KeyMetadata.KeyId == nil {
		return "", fmt.Errorf("%w: no key metadata returned after creation", phivault.ErrKMSUnavailable)
	}
	return *result.KeyMetadata.KeyId, nil
}

// EncryptDEK wraps a DEK under the given KMS key. The returned blob is
// base64 encoded for storage inside envelopes.
func (k *KMSService) EncryptDEK(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("%w: plaintext cannot be empty", phivault.ErrEncryptionFailed)
	}

	result, err := k.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(keyID),
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to wrap DEK with KMS key %s: %w", phivault.ErrEncryptionFailed, keyID, err)
	}
	if result.CiphertextBlob == nil {
		return nil, fmt.Errorf("%w: no ciphertext returned from KMS", phivault.ErrEncryptionFailed)
	}

	encoded := base64.StdEncoding.EncodeToString(result.CiphertextBlob)
	return []byte(encoded), nil
}

// DecryptDEK unwraps a DEK. AWS KMS resolves the wrapping key from the
// ciphertext metadata; keyID is passed through when present.
func (k *KMSService) DecryptDEK(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("%w: ciphertext cannot be empty", phivault.ErrDecryptionFailed)
	}

	decoded, err := base64.StdEncoding.DecodeString(string(ciphertext))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode wrapped DEK: %w", phivault.ErrDecryptionFailed, err)
	}

	input := &kms.DecryptInput{CiphertextBlob: decoded}
	if keyID != "" {
		input.KeyId = aws.String(keyID)
	}

	result, err := k.client.Decrypt(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to unwrap DEK: %w", phivault.ErrDecryptionFailed, err)
	}
	if result.Plaintext == nil {
		return nil, fmt.Errorf("%w: no plaintext returned from KMS", phivault.ErrDecryptionFailed)
	}
	return result.Plaintext, nil
}
