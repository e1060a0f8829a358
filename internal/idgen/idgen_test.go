package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewULID_MonotonicAndParsable(t *testing.T) {
	a := NewULID()
	b := NewULID()
	_, err := ulid.Parse(a)
	require.NoError(t, err)
	assert.Less(t, a, b)
}

func TestNewSessionID_Prefix(t *testing.T) {
	assert.True(t, strings.HasPrefix(NewSessionID(), "sess_"))
}

func TestNewIntentID_IsUUID(t *testing.T) {
	_, err := uuid.Parse(NewIntentID())
	assert.NoError(t, err)
}
