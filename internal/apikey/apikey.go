// Package apikey generates API keys. Raw keys are returned once; only the
// bcrypt hash and the lookup prefix are persisted.
package apikey

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/faultline/pkg/models"
)

// PrefixLen is the number of leading characters of a raw key stored in clear
// for lookup.
const PrefixLen = 8

const rawPrefix = "flk_"

var ErrInvalidScope = errors.New("invalid scope")

var validScopes = []string{models.ScopeIngest, models.ScopeRead, models.ScopeAdmin}

// Generate creates a key with the given name and scopes. cost of 0 uses
// bcrypt.DefaultCost.
func Generate(name string, scopes []string, cost int) (*models.APIKey, string, error) {
	if len(scopes) == 0 {
		scopes = []string{models.ScopeIngest}
	}
	for _, s := range scopes {
		if !slices.Contains(validScopes, s) {
			return nil, "", fmt.Errorf("%w: %q", ErrInvalidScope, s)
		}
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	raw := rawPrefix + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), cost)
	if err != nil {
		return nil, "", fmt.Errorf("hash key: %w", err)
	}

	now := time.Now().UTC()
	return &models.APIKey{
		ID:        uuid.New(),
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:PrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, raw, nil
}

// Matches reports whether raw is the key that produced key.
func Matches(key *models.APIKey, raw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(raw)) == nil
}
