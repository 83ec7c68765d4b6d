package cache

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsNonEmpty(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing")
	empty := filepath.Join(dir, "empty")
	full := filepath.Join(dir, "full")

	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	require.NoError(t, os.WriteFile(full, []byte("x"), 0o644))

	require.False(t, IsNonEmpty(missing))
	require.False(t, IsNonEmpty(empty))
	require.True(t, IsNonEmpty(full))
}

func TestRemoveIfEmpty(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty")
	full := filepath.Join(dir, "full")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	require.NoError(t, os.WriteFile(full, []byte("x"), 0o644))

	RemoveIfEmpty(empty)
	RemoveIfEmpty(full)
	RemoveIfEmpty(filepath.Join(dir, "missing"))

	_, err := os.Stat(empty)
	require.True(t, os.IsNotExist(err))
	require.True(t, IsNonEmpty(full))
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "out.srt")

	require.NoError(t, WriteFileAtomic(path, []byte("contenido")))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "contenido", string(data))

	_, err = os.Stat(path + PartialSuffix)
	require.True(t, os.IsNotExist(err))
}

func TestWithPartial_FailureLeavesNoFinalFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.mkv")

	err := WithPartial(path, func(tmp string) error {
		require.NoError(t, os.WriteFile(tmp, []byte("half"), 0o644))
		return errors.New("muxer died")
	})
	require.Error(t, err)

	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}

func TestWithPartial_EmptyOutputIsFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.mkv")

	err := WithPartial(path, func(tmp string) error {
		return os.WriteFile(tmp, nil, 0o644)
	})
	require.Error(t, err)
	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}

func TestWithPartial_Promotes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.mkv")

	require.NoError(t, WithPartial(path, func(tmp string) error {
		return os.WriteFile(tmp, []byte("ok"), 0o644)
	}))
	require.True(t, IsNonEmpty(path))
}
