package manifest

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process Store guarded by a single mutex, so every
// operation is trivially serializable — the in-memory equivalent of the
// SERIALIZABLE transaction spec.md §4.6 requires.
type MemoryStore struct {
	mu        sync.Mutex
	manifests map[string]*Manifest
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{manifests: make(map[string]*Manifest)}
}

func (s *MemoryStore) Create(ctx context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.manifests[m.ID]; exists {
		return fmt.Errorf("manifest: %s already exists", m.ID)
	}
	if m.Status == "" {
		m.Status = StatusDraft
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	s.manifests[m.ID] = cloneManifest(m)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.manifests[id]
	if !ok {
		return nil, fmt.Errorf("manifest: %s not found", id)
	}
	return cloneManifest(m), nil
}

func (s *MemoryStore) SubmitForSigning(ctx context.Context, id, signatureID, manifestHash string) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.manifests[id]
	if !ok {
		return nil, fmt.Errorf("manifest: %s not found", id)
	}
	if err := transition(m, "submit_for_signing"); err != nil {
		return nil, err
	}
	m.SignatureID = signatureID
	m.ManifestHash = manifestHash
	m.UpdatedAt = time.Now().UTC()
	return cloneManifest(m), nil
}

func (s *MemoryStore) RequestMultisig(ctx context.Context, id string, threshold int) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.manifests[id]
	if !ok {
		return nil, fmt.Errorf("manifest: %s not found", id)
	}
	if err := transition(m, "request_multisig"); err != nil {
		return nil, err
	}
	m.MultisigThreshold = threshold
	m.UpdatedAt = time.Now().UTC()
	return cloneManifest(m), nil
}

// RecordApproval applies an approval. It returns (manifest, duplicate,
// err): duplicate is true when the approver already recorded a decision
// for this manifest — that case is a no-op per invariant I5, not an
// error the caller needs to handle specially.
func (s *MemoryStore) RecordApproval(ctx context.Context, a Approval) (*Manifest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.manifests[a.ManifestID]
	if !ok {
		return nil, false, fmt.Errorf("manifest: %s not found", a.ManifestID)
	}

	for _, existing := range m.Approvals {
		if existing.ApproverID == a.ApproverID {
			return cloneManifest(m), true, nil
		}
	}

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	m.Approvals = append(m.Approvals, a)

	if a.Decision == DecisionRejected {
		if err := transition(m, "reject"); err != nil {
			return nil, false, err
		}
		m.UpdatedAt = time.Now().UTC()
		return cloneManifest(m), false, nil
	}

	count := approvedCount(m.Approvals)
	op := "approve_partial"
	if count >= m.MultisigThreshold {
		op = "approve_complete"
	}
	if err := transition(m, op); err != nil {
		return nil, false, err
	}
	m.UpdatedAt = time.Now().UTC()
	return cloneManifest(m), false, nil
}

// Apply transitions a manifest to applied. It returns (manifest,
// alreadyApplied, err): alreadyApplied is true when the manifest was
// already in StatusApplied, in which case the prior result is returned
// without emitting a duplicate side effect, per spec.md §4.6 ("apply is
// idempotent if the manifest is already applied").
func (s *MemoryStore) Apply(ctx context.Context, id string) (*Manifest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.manifests[id]
	if !ok {
		return nil, false, fmt.Errorf("manifest: %s not found", id)
	}
	if m.Status == StatusApplied {
		return cloneManifest(m), true, nil
	}

	op := "apply_after_multisig"
	if m.Status == StatusSigned && m.MultisigThreshold == 0 {
		op = "apply_no_multisig"
	}
	if err := transition(m, op); err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()
	m.AppliedAt = &now
	m.UpdatedAt = now
	return cloneManifest(m), false, nil
}

func (s *MemoryStore) Reject(ctx context.Context, id string) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.manifests[id]
	if !ok {
		return nil, fmt.Errorf("manifest: %s not found", id)
	}
	if err := transition(m, "reject"); err != nil {
		return nil, err
	}
	m.UpdatedAt = time.Now().UTC()
	return cloneManifest(m), nil
}

func cloneManifest(m *Manifest) *Manifest {
	out := *m
	out.Approvals = append([]Approval(nil), m.Approvals...)
	if m.Preconditions != nil {
		out.Preconditions = make(map[string]any, len(m.Preconditions))
		for k, v := range m.Preconditions {
			out.Preconditions[k] = v
		}
	}
	if m.AppliedAt != nil {
		applied := *m.AppliedAt
		out.AppliedAt = &applied
	}
	return &out
}
