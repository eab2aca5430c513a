package biometric

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"messattend/internal/model"
)

// MemoryStore is an in-process CredentialStore for dev mode and tests.
type MemoryStore struct {
	mu    sync.Mutex
	creds map[string]model.Credential
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]model.Credential)}
}

func (m *MemoryStore) ActiveByUser(_ context.Context, userID string) (*model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.creds {
		if c.UserID == userID && c.Status == model.CredentialActive {
			out := c
			return &out, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ByCredentialID(_ context.Context, credentialID string) (*model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.creds {
		if c.CredentialID == credentialID {
			out := c
			return &out, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) Insert(_ context.Context, cred model.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.creds {
		if c.CredentialID == cred.CredentialID {
			return model.ErrCredentialReused
		}
		if c.UserID == cred.UserID && c.Status == model.CredentialActive {
			return model.ErrAlreadyEnrolled
		}
	}
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	m.creds[cred.ID] = cred
	return nil
}

func (m *MemoryStore) UpdateSignCount(_ context.Context, id string, count uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.creds[id]; ok && c.SignCount < count {
		c.SignCount = count
		m.creds[id] = c
	}
	return nil
}

func (m *MemoryStore) Revoke(_ context.Context, id, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.creds[id]; ok && c.Status == model.CredentialActive {
		c.Status = model.CredentialRevoked
		c.RevokedAt = &at
		c.RevokeReason = reason
		m.creds[id] = c
	}
	return nil
}
