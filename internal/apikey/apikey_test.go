package apikey_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/faultline/internal/apikey"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

func TestGenerate(t *testing.T) {
	key, raw, err := apikey.Generate("ci", []string{models.ScopeIngest, models.ScopeRead}, bcrypt.MinCost)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(raw, "flk_"))
	assert.Len(t, raw, 4+48)
	assert.Equal(t, raw[:apikey.PrefixLen], key.KeyPrefix)
	assert.NotContains(t, key.KeyHash, raw)
	assert.Equal(t, "ci", key.Name)
	assert.Equal(t, []string{"ingest", "read"}, key.Scopes)
	assert.True(t, apikey.Matches(key, raw))
	assert.False(t, apikey.Matches(key, raw+"x"))
}

func TestGenerate_DefaultScope(t *testing.T) {
	key, _, err := apikey.Generate("app", nil, bcrypt.MinCost)
	require.NoError(t, err)
	assert.Equal(t, []string{models.ScopeIngest}, key.Scopes)
}

func TestGenerate_Unique(t *testing.T) {
	_, a, err := apikey.Generate("a", nil, bcrypt.MinCost)
	require.NoError(t, err)
	_, b, err := apikey.Generate("b", nil, bcrypt.MinCost)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestGenerate_InvalidScope(t *testing.T) {
	_, _, err := apikey.Generate("x", []string{"superuser"}, bcrypt.MinCost)
	assert.ErrorIs(t, err, apikey.ErrInvalidScope)
}
