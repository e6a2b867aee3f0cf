package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"time"
)

// FlowTTL is the fixed lifetime of an in-flight authorization attempt.
const FlowTTL = 10 * time.Minute

// verifierBytes is the entropy of generated verifiers and state values.
const verifierBytes = 64

// PKCEManager generates and validates Proof-Key-for-Code-Exchange pairs and
// persists per-flow state.
type PKCEManager struct {
	store *Store
}

// NewPKCEManager creates a PKCEManager backed by store.
func NewPKCEManager(store *Store) *PKCEManager {
	return &PKCEManager{store: store}
}

// GenerateChallengePair returns a fresh verifier and its S256 challenge.
func GenerateChallengePair() (verifier, challenge string, err error) {
	verifier, err = RandomString(verifierBytes)
	if err != nil {
		return "", "", err
	}
	return verifier, ComputeChallenge(verifier), nil
}

// GenerateState returns a random state value with the same construction as
// a verifier.
func GenerateState() (string, error) {
	return RandomString(verifierBytes)
}

// ComputeChallenge returns base64url(SHA-256(verifier)), no padding.
func ComputeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ValidateVerifier recomputes the S256 challenge from verifier and compares
// it to challenge. Missing input is an immediate false.
func ValidateVerifier(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	computed := ComputeChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// StoreFlow persists flow under state with the fixed flow lifetime.
func (m *PKCEManager) StoreFlow(state string, flow *FlowState) error {
	now := time.Now().UTC()
	flow.CreatedAt = now
	flow.ExpiresAt = now.Add(FlowTTL)
	return m.store.SaveFlow(state, flow)
}

// GetFlow returns the flow state for state, or false when missing or past
// expiry. Expired entries encountered here are deleted.
func (m *PKCEManager) GetFlow(state string) (*FlowState, bool) {
	flow, ok := m.store.GetFlow(state)
	if !ok {
		return nil, false
	}
	// The store already enforces TTL; double-check against the recorded
	// expiry in case the backing entry outlived it.
	if time.Now().UTC().After(flow.ExpiresAt) {
		_ = m.store.DeleteFlow(state)
		return nil, false
	}
	return flow, true
}

// TakeFlow atomically claims and removes the flow state for state, so a
// state value can be redeemed by at most one caller. Returns false when the
// flow is missing, already claimed, or past expiry.
func (m *PKCEManager) TakeFlow(state string) (*FlowState, bool) {
	flow, ok := m.store.TakeFlow(state)
	if !ok {
		return nil, false
	}
	if time.Now().UTC().After(flow.ExpiresAt) {
		return nil, false
	}
	return flow, true
}

// RemoveFlow deletes the flow state for state.
func (m *PKCEManager) RemoveFlow(state string) {
	_ = m.store.DeleteFlow(state)
}
