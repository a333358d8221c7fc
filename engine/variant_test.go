package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariantSelectRoundRobin(t *testing.T) {
	repo := newFakeRepo()
	vs := NewVariantSelector(repo)
	variants := []string{"variant A", "variant B", "variant C"}

	// Seven selections against a fresh cursor rotate B, C, A, B, C, A, B.
	want := []string{
		"variant B", "variant C", "variant A",
		"variant B", "variant C", "variant A",
		"variant B",
	}
	for i, expected := range want {
		got, err := vs.Select(context.Background(), 1, 0, variants)
		require.NoError(t, err)
		assert.Equal(t, expected, got, "selection %d", i)
	}
}

func TestVariantSelectFairness(t *testing.T) {
	repo := newFakeRepo()
	vs := NewVariantSelector(repo)
	variants := []string{"a", "b", "c"}

	counts := make(map[string]int)
	const rounds = 3 * 40
	for i := 0; i < rounds; i++ {
		got, err := vs.Select(context.Background(), 5, 2, variants)
		require.NoError(t, err)
		counts[got]++
	}

	// Strict round robin: over any multiple of len(variants) selections the
	// counts are exactly equal.
	for _, v := range variants {
		assert.Equal(t, rounds/len(variants), counts[v], "variant %q", v)
	}
}

func TestVariantSelectIndependentCursors(t *testing.T) {
	repo := newFakeRepo()
	vs := NewVariantSelector(repo)
	variants := []string{"a", "b"}

	first, err := vs.Select(context.Background(), 1, 0, variants)
	require.NoError(t, err)

	// A different step starts its own rotation from scratch.
	other, err := vs.Select(context.Background(), 1, 1, variants)
	require.NoError(t, err)
	assert.Equal(t, first, other)
}

func TestVariantSelectSingleVariantSkipsCursor(t *testing.T) {
	repo := newFakeRepo()
	vs := NewVariantSelector(repo)

	for i := 0; i < 3; i++ {
		got, err := vs.Select(context.Background(), 2, 0, []string{"only one"})
		require.NoError(t, err)
		assert.Equal(t, "only one", got)
	}
	assert.Empty(t, repo.cursors)
}

func TestVariantSelectEmptyVariants(t *testing.T) {
	vs := NewVariantSelector(newFakeRepo())

	_, err := vs.Select(context.Background(), 2, 0, nil)
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}
