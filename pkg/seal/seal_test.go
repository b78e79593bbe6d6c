package seal

import (
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSealer(t *testing.T) *Sealer {
	t.Helper()
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	s, err := New(identity.String())
	require.NoError(t, err)
	return s
}

func TestSealOpen(t *testing.T) {
	t.Parallel()

	s := newSealer(t)
	sealed, err := s.Seal("hunter2")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "hunter2")

	opened, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", opened)
}

func TestOpenWithOtherIdentityFails(t *testing.T) {
	t.Parallel()

	sealed, err := newSealer(t).Seal("hunter2")
	require.NoError(t, err)

	_, err = newSealer(t).Open(sealed)
	require.Error(t, err)
}

func TestNewRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := New("not-a-key")
	require.Error(t, err)
}
