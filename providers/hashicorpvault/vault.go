// Package hashicorpvault implements phivault.KeyManagementService on the
// HashiCorp Vault Transit secrets engine. Key material never leaves Vault;
// DEK wrap/unwrap happens server-side.
package hashicorpvault

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"

	"github.com/hashicorp/vault/api"

	phivault "github.com/careport/phivault"
)

// VaultService implements phivault.KeyManagementService using Vault Transit.
type VaultService struct {
	client *api.Client
}

// New creates a Vault Transit provider. Address, namespace and AppRole
// credentials are taken from the standard VAULT_* environment variables.
func New() (*VaultService, error) {
	config := api.DefaultConfig()
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		config.Address = addr
	}
	config.HttpClient.Transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Vault client: %w", phivault.ErrKMSUnavailable, err)
	}

	if namespace := os.Getenv("VAULT_NAMESPACE"); namespace != "" {
		client.SetNamespace(namespace)
	}

	roleID := os.Getenv("VAULT_ROLE_ID")
	secretID := os.Getenv("VAULT_SECRET_ID")
	if roleID != "" && secretID != "" {
		resp, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
			"role_id":   roleID,
			"secret_id": secretID,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to login with AppRole: %w", phivault.ErrKMSUnavailable, err)
		}
		if resp.Auth == nil {
			return nil, fmt.Errorf("%w: no auth info returned from AppRole login", phivault.ErrKMSUnavailable)
		}
		client.SetToken(resp.Auth.ClientToken)
	}

	return &VaultService{client: client}, nil
}

// GetKeyID returns the alias itself: for the transit engine the key name
// is the key ID.
func (v *VaultService) GetKeyID(ctx context.Context, alias string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, fmt.Sprintf("transit/keys/%s", alias))
	if err != nil {
		return "", fmt.Errorf("%w: failed to read transit key %q: %w", phivault.ErrKMSUnavailable, alias, err)
	}
	if secret == nil {
		return "", fmt.Errorf("%w: transit key %q not found", phivault.ErrKMSUnavailable, alias)
	}
	return alias, nil
}

// CreateKey creates an aes256-gcm96 transit key named after description.
func (v *VaultService) CreateKey(ctx context.Context, description string) (string, error) {
	_, err := v.client.Logical().WriteWithContext(ctx, fmt.Sprintf("transit/keys/%s", description), map[string]interface{}{
		"type": "aes256-gcm96",
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to create transit key %q: %w", phivault.ErrKMSUnavailable, description, err)
	}
	return description, nil
}

// EncryptDEK wraps a DEK with the named transit key.
func (v *VaultService) EncryptDEK(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	resp, err := v.client.Logical().WriteWithContext(ctx, fmt.Sprintf("transit/encrypt/%s", keyID), map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to wrap DEK with key %q: %w", phivault.ErrEncryptionFailed, keyID, err)
	}
	ciphertext, ok := resp.Data["ciphertext"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: ciphertext not found in Vault response", phivault.ErrEncryptionFailed)
	}
	return []byte(ciphertext), nil
}

// DecryptDEK unwraps a DEK previously wrapped by EncryptDEK.
func (v *VaultService) DecryptDEK(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	resp, err := v.client.Logical().WriteWithContext(ctx, fmt.Sprintf("transit/decrypt/%s", keyID), map[string]any{
		"ciphertext": string(ciphertext),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to unwrap DEK with key %q: %w", phivault.ErrDecryptionFailed, keyID, err)
	}
	plaintextBase64, ok := resp.Data["plaintext"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: plaintext not found in Vault response", phivault.ErrDecryptionFailed)
	}
	plaintext, err := base64.StdEncoding.DecodeString(plaintextBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode plaintext: %w", phivault.ErrDecryptionFailed, err)
	}
	return plaintext, nil
}
