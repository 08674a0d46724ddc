package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderSeeds(t *testing.T) {
	seeds, err := ProviderSeeds()
	require.NoError(t, err)
	require.NotEmpty(t, seeds)

	seen := map[string]bool{}
	for _, s := range seeds {
		assert.False(t, seen[s.ID], "duplicate preset %s", s.ID)
		seen[s.ID] = true
		assert.NotEmpty(t, s.DefaultModel, s.ID)
		assert.Contains(t, s.Models, s.DefaultModel, s.ID)
		if s.Kind == "local" {
			assert.False(t, s.RequiresAPIKey, s.ID)
		}
	}
	assert.True(t, seen["ollama"])

	// Mutating a returned copy leaves the catalog intact.
	seeds[0].Models[0] = "changed"
	again, err := ProviderSeeds()
	require.NoError(t, err)
	assert.NotEqual(t, "changed", again[0].Models[0])
}
