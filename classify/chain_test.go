package classify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClassifier struct {
	scores ServiceScores
	err    error
	id     string
}

func (s *stubClassifier) Classify(ctx context.Context, text string, services []string) (ServiceScores, error) {
	return s.scores, s.err
}

func (s *stubClassifier) ModelID() string { return s.id }

func TestChainPrefersRemote(t *testing.T) {
	remote := &stubClassifier{
		scores: ServiceScores{"payment-processing-service": 0.9},
		id:     "gemini:test",
	}
	chain := NewChain(remote, nil)

	scores, err := chain.Classify(context.Background(), "refund", nil)
	require.NoError(t, err)
	assert.Equal(t, 0.9, scores["payment-processing-service"])
	assert.Equal(t, "gemini:test", chain.ModelID())
}

func TestChainFallsBackOnError(t *testing.T) {
	remote := &stubClassifier{err: errors.New("quota exceeded"), id: "gemini:test"}
	chain := NewChain(remote, nil)

	scores, err := chain.Classify(context.Background(), "reset my password", nil)
	require.NoError(t, err)
	assert.Contains(t, scores, "user-authentication-service")
	assert.Equal(t, HeuristicModelID, chain.ModelID())
}

func TestChainFallsBackOnEmptyScores(t *testing.T) {
	remote := &stubClassifier{scores: ServiceScores{}, id: "gemini:test"}
	chain := NewChain(remote, nil)

	scores, err := chain.Classify(context.Background(), "nothing recognizable zz", nil)
	require.NoError(t, err)
	assert.Equal(t, 0.4, scores[DefaultTarget])
	assert.Equal(t, HeuristicModelID, chain.ModelID())
}

func TestChainWithoutRemote(t *testing.T) {
	chain := NewChain(nil, nil)
	assert.Equal(t, HeuristicModelID, chain.ModelID())

	scores, err := chain.Classify(context.Background(), "upload a file", nil)
	require.NoError(t, err)
	assert.Contains(t, scores, "file-processing-service")
}

func TestProviderRegistry(t *testing.T) {
	factory, ok := GetProvider("gemini")
	require.True(t, ok, "gemini factory should self-register")
	assert.Equal(t, "gemini", factory.Name())
	assert.Contains(t, ListProviders(), "gemini")
}
