package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/kioskd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	dir := t.TempDir()
	return NewStore(
		filepath.Join(dir, "id"),
		filepath.Join(dir, "private"),
		filepath.Join(dir, "api-url"),
	), dir
}

func TestLoad_Missing(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Load()
	assert.ErrorIs(t, err, ErrMissing)
	assert.False(t, s.Exists())
}

func TestLoad_EmptyFilesAreMissing(t *testing.T) {
	s, dir := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "id"), []byte("device-1"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "private"), []byte("  \n"), 0600))

	_, err := s.Load()
	assert.ErrorIs(t, err, ErrMissing)
}

func TestSaveLoad(t *testing.T) {
	s, dir := newTestStore(t)

	require.NoError(t, s.Save(&types.DeviceIdentity{
		DeviceID:   "device-1",
		PrivateKey: "secret",
		APIURL:     "https://fleet.example.com",
	}))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "device-1", got.DeviceID)
	assert.Equal(t, "secret", got.PrivateKey)
	assert.Equal(t, "https://fleet.example.com", got.APIURL)

	info, err := os.Stat(filepath.Join(dir, "private"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestSave_EmptyAPIURLKeepsExisting(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Save(&types.DeviceIdentity{DeviceID: "a", PrivateKey: "k", APIURL: "https://one"}))
	require.NoError(t, s.Save(&types.DeviceIdentity{DeviceID: "b", PrivateKey: "k"}))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "b", got.DeviceID)
	assert.Equal(t, "https://one", got.APIURL)
}

func TestSave_RejectsIncomplete(t *testing.T) {
	s, _ := newTestStore(t)
	assert.ErrorIs(t, s.Save(&types.DeviceIdentity{DeviceID: "a"}), ErrMissing)
}

func TestClear(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Save(&types.DeviceIdentity{DeviceID: "a", PrivateKey: "k"}))

	require.NoError(t, s.Clear())
	assert.False(t, s.Exists())
	assert.NoError(t, s.Clear())
}
