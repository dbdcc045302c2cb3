package fs

import (
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateSecureFolder(t *testing.T) {
	folder := path.Join(t.TempDir(), "data", "key")
	require.NoError(t, CreateSecureFolder(folder))

	info, err := os.Stat(folder)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	// already there
	require.NoError(t, CreateSecureFolder(folder))
}

func TestCreateSecureFolderRejectsWorldAccess(t *testing.T) {
	folder := path.Join(t.TempDir(), "open")
	require.NoError(t, os.Mkdir(folder, 0777))
	require.NoError(t, os.Chmod(folder, 0777))
	require.Error(t, CreateSecureFolder(folder))
}

func TestCreateSecureFile(t *testing.T) {
	file := path.Join(t.TempDir(), "secret")
	fd, err := CreateSecureFile(file)
	require.NoError(t, err)
	require.NoError(t, fd.Close())

	info, err := os.Stat(file)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(FilePerm), info.Mode().Perm())

	exists, err := Exists(file)
	require.NoError(t, err)
	require.True(t, exists)
}
