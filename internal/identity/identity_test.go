// SPDX-License-Identifier: MIT
package identity

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	rec := Record{ID: "dev-1", Code: "ABCD1234", Name: "Lobby Screen", Token: "tok-xyz"}
	require.NoError(t, s.Save(rec))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	// Mirror file exists alongside the primary.
	data, err := os.ReadFile(filepath.Join(dir, mirrorName))
	require.NoError(t, err)
	var mirrored Record
	require.NoError(t, json.Unmarshal(data, &mirrored))
	assert.Equal(t, rec, mirrored)
}

func TestStore_LoadEmpty(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	got, err := s.Load()
	require.NoError(t, err)
	assert.True(t, got.Empty())
}

func TestStore_MirrorRecoversLostPrimary(t *testing.T) {
	dir := t.TempDir()
	rec := Record{ID: "dev-2", Token: "tok-2"}

	s := openTestStore(t, dir)
	require.NoError(t, s.Save(rec))
	require.NoError(t, s.Close())

	// Simulate primary loss: wipe the Badger directory, keep the mirror.
	require.NoError(t, os.RemoveAll(filepath.Join(dir, dbDirName)))

	s2 := openTestStore(t, dir)
	got, err := s2.Load()
	require.NoError(t, err)
	assert.Equal(t, rec, got, "mirror must restore a lost primary")

	// And the recovery was mirrored back: the primary now answers on its own.
	primary, err := s2.loadPrimary()
	require.NoError(t, err)
	assert.Equal(t, rec, primary)
}

func TestStore_PrimarySurvivesLostMirror(t *testing.T) {
	dir := t.TempDir()
	rec := Record{ID: "dev-3", Token: "tok-3"}

	s := openTestStore(t, dir)
	require.NoError(t, s.Save(rec))
	require.NoError(t, os.Remove(filepath.Join(dir, mirrorName)))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestStore_CorruptMirrorIgnored(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, mirrorName), []byte("{bad"), 0o600))

	s := openTestStore(t, dir)
	got, err := s.Load()
	require.NoError(t, err)
	assert.True(t, got.Empty())
}

func TestStore_Clear(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	require.NoError(t, s.Save(Record{ID: "dev-4", Token: "tok-4"}))
	require.NoError(t, s.Clear())

	got, err := s.Load()
	require.NoError(t, err)
	assert.True(t, got.Empty())

	_, err = os.Stat(filepath.Join(dir, mirrorName))
	assert.True(t, os.IsNotExist(err))
}

func TestProvisionalCode(t *testing.T) {
	a := ProvisionalCode()
	b := ProvisionalCode()
	assert.Len(t, a, 8)
	assert.NotEqual(t, a, b)
}
