package embedder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosine_EmbedIsDeterministic(t *testing.T) {
	c := NewCosine()
	a, err := c.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	b, err := c.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCosine_EmptyTextIsZeroVector(t *testing.T) {
	c := NewCosine()
	vec, err := c.Embed(context.Background(), "")
	require.NoError(t, err)
	for _, v := range vec {
		assert.Equal(t, float32(0), v)
	}
}

func TestCosineSimilarity_IdenticalVectorIsOne(t *testing.T) {
	c := NewCosine()
	vec, err := c.Embed(context.Background(), "exact match recall")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, CosineSimilarity(vec, vec), 1e-9)
}

func TestCosineSimilarity_MismatchedLengthsAreZero(t *testing.T) {
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1, 2}, []float32{1}))
}

func TestCosineSimilarity_DistinctTextIsLowerThanExactMatch(t *testing.T) {
	c := NewCosine()
	a, _ := c.Embed(context.Background(), "alpha task output")
	b, _ := c.Embed(context.Background(), "completely unrelated text")
	assert.Less(t, CosineSimilarity(a, b), 1.0)
}
