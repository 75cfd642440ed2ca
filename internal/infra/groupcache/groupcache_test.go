package groupcache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Service {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "groups.bbolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTest(t)

	groups := []GroupRef{
		{ID: -100, Title: "Werewolf Main", GroupType: "supergroup", MemberCount: 42},
		{ID: -200, Title: "Werewolf Beta", GroupType: "supergroup"},
	}
	require.NoError(t, s.Put(1, groups))

	got, updatedAt, err := s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, groups, got)
	assert.NotEmpty(t, updatedAt)
}

func TestGetMissingIsNotError(t *testing.T) {
	s := openTest(t)

	got, updatedAt, err := s.Get(404)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, updatedAt)
}

func TestPutOverwritesSnapshot(t *testing.T) {
	s := openTest(t)

	require.NoError(t, s.Put(1, []GroupRef{{ID: -100, Title: "Old"}}))
	require.NoError(t, s.Put(1, []GroupRef{{ID: -300, Title: "New"}}))

	got, _, err := s.Get(1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(-300), got[0].ID)
}

func TestDelete(t *testing.T) {
	s := openTest(t)

	require.NoError(t, s.Put(1, []GroupRef{{ID: -100, Title: "G"}}))
	require.NoError(t, s.Delete(1))

	got, _, err := s.Get(1)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Удаление отсутствующего снимка — no-op.
	require.NoError(t, s.Delete(2))
}

func TestClosedServiceErrors(t *testing.T) {
	s := openTest(t)
	require.NoError(t, s.Close())

	assert.Error(t, s.Put(1, nil))
	_, _, err := s.Get(1)
	assert.Error(t, err)
}
