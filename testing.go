package phivault

import (
	"context"
	"fmt"
	"sync"
)

// SimpleTestKMS is an in-memory KeyManagementService for tests. It avoids
// mocking complexity while keeping wrap/unwrap round trips consistent.
type SimpleTestKMS struct {
	mu        sync.RWMutex
	keys      map[string]string
	nextKeyID int
	dekStore  map[string][]byte
	failWraps bool
}

// NewSimpleTestKMS creates an empty in-memory KMS.
func NewSimpleTestKMS() *SimpleTestKMS {
	return &SimpleTestKMS{
		keys:     make(map[string]string),
		dekStore: make(map[string][]byte),
	}
}

// FailWraps makes every EncryptDEK/DecryptDEK call fail, simulating a KMS
// outage.
func (s *SimpleTestKMS) FailWraps(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWraps = fail
}

func (s *SimpleTestKMS) GetKeyID(ctx context.Context, alias string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if keyID, exists := s.keys[alias]; exists {
		return keyID, nil
	}
	return "", fmt.Errorf("key not found for alias: %s", alias)
}

func (s *SimpleTestKMS) CreateKey(ctx context.Context, description string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextKeyID++
	keyID := fmt.Sprintf("test-key-%d", s.nextKeyID)
	s.keys[description] = keyID
	return keyID, nil
}

func (s *SimpleTestKMS) EncryptDEK(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWraps {
		return nil, fmt.Errorf("simulated KMS outage")
	}
	ciphertext := fmt.Sprintf("wrapped-dek-%s-%x", keyID, plaintext[:8])
	s.dekStore[ciphertext] = append([]byte(nil), plaintext...)
	return []byte(ciphertext), nil
}

func (s *SimpleTestKMS) DecryptDEK(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWraps {
		return nil, fmt.Errorf("simulated KMS outage")
	}
	if dek, exists := s.dekStore[string(ciphertext)]; exists {
		return dek, nil
	}
	return nil, fmt.Errorf("failed to unwrap DEK")
}
