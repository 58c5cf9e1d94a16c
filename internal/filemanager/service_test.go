package filemanager

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hightd-agent/internal/sandbox"
)

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	base := t.TempDir()
	resolver := sandbox.NewResolver(base)
	require.NoError(t, os.MkdirAll(resolver.Root("srv"), 0o755))
	return NewService(resolver, zap.NewNop()), resolver.Root("srv")
}

func TestListFoldersFirst(t *testing.T) {
	svc, root := newTestService(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "plugins"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "server.jar"), []byte("xx"), 0o644))

	entries, err := svc.List("srv", "/")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "plugins", entries[0].Name)
	assert.Equal(t, "folder", entries[0].Type)
	assert.Nil(t, entries[0].Size)
	assert.Equal(t, "/plugins", entries[0].Path)

	assert.Equal(t, "a.txt", entries[1].Name)
	assert.Equal(t, "file", entries[1].Type)
	require.NotNil(t, entries[1].Size)
	assert.Equal(t, int64(1), *entries[1].Size)
}

func TestReadWriteRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)

	require.NoError(t, svc.Write("srv", "configs/app.yml", "key: value"))
	res, err := svc.Read("srv", "configs/app.yml")
	require.NoError(t, err)
	assert.Equal(t, "key: value", res.Content)
	assert.Equal(t, "/configs/app.yml", res.Path)
	assert.Equal(t, int64(len("key: value")), res.Size)
	assert.NotZero(t, res.LastModified)
}

func TestReadEnforcesSizeCap(t *testing.T) {
	svc, root := newTestService(t)
	big := strings.Repeat("a", MaxReadSize+1)
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.log"), []byte(big), 0o644))

	_, err := svc.Read("srv", "big.log")
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestReadRejectsDirectory(t *testing.T) {
	svc, root := newTestService(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dir"), 0o755))

	_, err := svc.Read("srv", "dir")
	assert.ErrorIs(t, err, ErrIsDirectory)
}

func TestRenameWithinDirectory(t *testing.T) {
	svc, root := newTestService(t)
	require.NoError(t, svc.Write("srv", "logs/old.log", "x"))

	res, err := svc.Rename("srv", "logs/old.log", "new.log")
	require.NoError(t, err)
	assert.Equal(t, "/logs/old.log", res.OldPath)
	assert.Equal(t, "/logs/new.log", res.NewPath)
	assert.FileExists(t, filepath.Join(root, "logs", "new.log"))
	assert.NoFileExists(t, filepath.Join(root, "logs", "old.log"))
}

func TestRenameRejectsPathSeparators(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, svc.Write("srv", "ok.txt", "x"))

	_, err := svc.Rename("srv", "ok.txt", "sub/stolen.txt")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Rename("srv", "ok.txt", "sub\\stolen.txt")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Rename("srv", "ok.txt", "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestMoveIntoExistingDirectory(t *testing.T) {
	svc, root := newTestService(t)
	require.NoError(t, svc.Write("srv", "old.txt", "data"))
	require.NoError(t, svc.Mkdir("srv", "backup"))

	res, err := svc.Move("srv", "old.txt", "backup")
	require.NoError(t, err)
	assert.Equal(t, "/old.txt", res.From)
	assert.Equal(t, "/backup/old.txt", res.To)
	assert.Equal(t, "file", res.Type)
	assert.FileExists(t, filepath.Join(root, "backup", "old.txt"))
	assert.NoFileExists(t, filepath.Join(root, "old.txt"))
}

func TestMoveTrailingSlashMeansIntoDirectory(t *testing.T) {
	svc, root := newTestService(t)
	require.NoError(t, svc.Write("srv", "world/level.dat", "x"))

	res, err := svc.Move("srv", "world", "saves/")
	require.NoError(t, err)
	assert.Equal(t, "/saves/world", res.To)
	assert.Equal(t, "folder", res.Type)
	assert.FileExists(t, filepath.Join(root, "saves", "world", "level.dat"))
}

func TestMoveRenamesWhenTargetIsNotADirectory(t *testing.T) {
	svc, root := newTestService(t)
	require.NoError(t, svc.Write("srv", "a.txt", "x"))

	res, err := svc.Move("srv", "a.txt", "b.txt")
	require.NoError(t, err)
	assert.Equal(t, "/b.txt", res.To)
	assert.FileExists(t, filepath.Join(root, "b.txt"))
}

func TestMkdirRejectsEmptyPath(t *testing.T) {
	svc, _ := newTestService(t)

	assert.ErrorIs(t, svc.Mkdir("srv", ""), ErrInvalidInput)
	assert.ErrorIs(t, svc.Mkdir("srv", "/"), ErrInvalidInput)
}

func TestDownloadReturnsBase64(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, svc.Write("srv", "bin.dat", "\x00\x01binary"))

	res, err := svc.Download("srv", "bin.dat")
	require.NoError(t, err)
	assert.Equal(t, "bin.dat", res.FileName)
	assert.Equal(t, int64(len("\x00\x01binary")), res.Size)
	decoded, err := base64.StdEncoding.DecodeString(res.Base64)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x00\x01binary"), decoded)
}

func TestUploadEnforcesSizeCap(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Upload("srv", "big.bin", make([]byte, MaxUploadSize+1))
	assert.ErrorIs(t, err, ErrTooLarge)

	size, err := svc.Upload("srv", "uploads/ok.bin", []byte("fine"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), size)
	res, err := svc.Read("srv", "uploads/ok.bin")
	require.NoError(t, err)
	assert.Equal(t, "fine", res.Content)
}

func TestUploadRequiresFileName(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Upload("srv", "/", []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Upload("srv", "uploads/", []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDeleteContinuesPastFailures(t *testing.T) {
	svc, root := newTestService(t)
	require.NoError(t, svc.Write("srv", "a.txt", "1"))
	require.NoError(t, svc.Write("srv", "nested/b.txt", "2"))

	results := svc.Delete("srv", []string{"a.txt", "../escape", "nested"})
	require.Len(t, results, 3)
	assert.Equal(t, "ok", results[0].Status)
	assert.Equal(t, "error", results[1].Status)
	assert.NotEmpty(t, results[1].Error)
	assert.Equal(t, "ok", results[2].Status)

	assert.NoFileExists(t, filepath.Join(root, "a.txt"))
	assert.NoDirExists(t, filepath.Join(root, "nested"))
}

func TestOperationsRejectEscapes(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Read("srv", "../other/secret")
	assert.ErrorIs(t, err, sandbox.ErrPathEscape)

	err = svc.Write("srv", "../escape.txt", "x")
	assert.ErrorIs(t, err, sandbox.ErrPathEscape)

	_, err = svc.Move("srv", "ok.txt", "../stolen.txt")
	assert.ErrorIs(t, err, sandbox.ErrPathEscape)
}
