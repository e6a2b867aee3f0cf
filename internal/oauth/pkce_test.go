package oauth

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeChallengeMatchesKnownVector(t *testing.T) {
	// RFC 7636 appendix B.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", ComputeChallenge(verifier))
}

func TestGenerateChallengePair(t *testing.T) {
	verifier, challenge, err := GenerateChallengePair()
	require.NoError(t, err)
	assert.NotEmpty(t, verifier)
	assert.NotEqual(t, verifier, challenge)
	assert.True(t, ValidateVerifier(verifier, challenge))

	other, _, err := GenerateChallengePair()
	require.NoError(t, err)
	assert.NotEqual(t, verifier, other)
}

func TestValidateVerifier(t *testing.T) {
	verifier, challenge, err := GenerateChallengePair()
	require.NoError(t, err)

	assert.True(t, ValidateVerifier(verifier, challenge))
	assert.False(t, ValidateVerifier("wrong-verifier", challenge))
	assert.False(t, ValidateVerifier("", challenge))
	assert.False(t, ValidateVerifier(verifier, ""))
	// The raw challenge is not a valid verifier for itself.
	assert.False(t, ValidateVerifier(challenge, challenge))
}

func TestFlowStateRoundTrip(t *testing.T) {
	m := NewPKCEManager(newTestStore(t))

	flow := &FlowState{
		UpstreamVerifier:      "upstream-verifier",
		UpstreamChallenge:     "upstream-challenge",
		ClientChallenge:       "client-challenge",
		ClientChallengeMethod: "S256",
		ClientState:           "client-state",
		ClientID:              "client_abc",
		RedirectURI:           "https://app.example.com/callback",
		Scopes:                []string{"openid", "email"},
		Provider:              "google",
	}
	state, err := GenerateState()
	require.NoError(t, err)
	require.NoError(t, m.StoreFlow(state, flow))

	got, ok := m.GetFlow(state)
	require.True(t, ok)
	assert.Equal(t, flow.UpstreamVerifier, got.UpstreamVerifier)
	assert.Equal(t, flow.ClientChallenge, got.ClientChallenge)
	assert.Equal(t, flow.ClientID, got.ClientID)
	assert.Equal(t, flow.Scopes, got.Scopes)
	assert.False(t, got.ExpiresAt.IsZero())

	m.RemoveFlow(state)
	_, ok = m.GetFlow(state)
	assert.False(t, ok)
}

func TestGetFlowUnknownState(t *testing.T) {
	m := NewPKCEManager(newTestStore(t))
	_, ok := m.GetFlow("never-stored")
	assert.False(t, ok)
}

func TestTakeFlowClaimsExactlyOnce(t *testing.T) {
	m := NewPKCEManager(newTestStore(t))

	flow := &FlowState{
		UpstreamVerifier: "upstream-verifier",
		ClientChallenge:  "client-challenge",
		ClientID:         "client_abc",
	}
	state, err := GenerateState()
	require.NoError(t, err)
	require.NoError(t, m.StoreFlow(state, flow))

	const callers = 8
	results := make(chan bool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := m.TakeFlow(state)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	claimed := 0
	for ok := range results {
		if ok {
			claimed++
		}
	}
	assert.Equal(t, 1, claimed)

	_, ok := m.GetFlow(state)
	assert.False(t, ok)
}
