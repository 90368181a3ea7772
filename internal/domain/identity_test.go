package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIdentity(t *testing.T) {
	id, err := ParseIdentity("alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, Identity("alice@example.com"), id)
	assert.Equal(t, "alice@example.com", id.String())
}

func TestParseIdentityRejects(t *testing.T) {
	for _, raw := range []string{"", "   ", strings.Repeat("a", MaxIdentityLen+1)} {
		_, err := ParseIdentity(raw)
		assert.ErrorIs(t, err, ErrInvalidIdentity, "raw=%q", raw)
	}
}
