// Package filemanager implements the panel-facing file operations, all of
// them confined to the server's sandbox directory.
package filemanager

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"hightd-agent/internal/sandbox"
	"hightd-agent/pkg/models"
)

const (
	// MaxReadSize caps inline reads; bigger files go through download.
	MaxReadSize = 2 * 1024 * 1024
	// MaxUploadSize caps a single uploaded file.
	MaxUploadSize = 25 * 1024 * 1024
)

var (
	// ErrTooLarge is returned when a file exceeds the operation's size cap.
	ErrTooLarge = errors.New("file exceeds the size limit")
	// ErrIsDirectory is returned when a file operation targets a folder.
	ErrIsDirectory = errors.New("target is a directory")
	// ErrInvalidInput is returned for malformed operation arguments.
	ErrInvalidInput = errors.New("invalid file operation input")
)

// Service executes file operations inside server sandboxes.
type Service struct {
	resolver *sandbox.Resolver
	log      *zap.Logger
}

// NewService creates the file service.
func NewService(resolver *sandbox.Resolver, log *zap.Logger) *Service {
	return &Service{resolver: resolver, log: log}
}

// List returns the entries of a sandbox directory, folders first.
func (s *Service) List(serverID, dir string) ([]models.FileEntry, error) {
	abs, err := s.resolver.Resolve(serverID, dir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}

	virtualDir := path.Clean("/" + strings.ReplaceAll(dir, "\\", "/"))
	out := make([]models.FileEntry, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}

		fe := models.FileEntry{
			Name:         entry.Name(),
			Type:         "file",
			LastModified: info.ModTime().UnixMilli(),
			Path:         path.Join(virtualDir, entry.Name()),
		}
		if entry.IsDir() {
			fe.Type = "folder"
		} else {
			size := info.Size()
			fe.Size = &size
		}
		out = append(out, fe)
	}

	sort.Slice(out, func(a, b int) bool {
		if out[a].Type != out[b].Type {
			return out[a].Type == "folder"
		}
		return out[a].Name < out[b].Name
	})
	return out, nil
}

// ReadResult carries an inline file read.
type ReadResult struct {
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	LastModified int64  `json:"lastModified"`
	Content      string `json:"content"`
}

// Read returns the text content of a file up to MaxReadSize.
func (s *Service) Read(serverID, p string) (*ReadResult, error) {
	abs, err := s.resolver.Resolve(serverID, p)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrIsDirectory
	}
	if info.Size() > MaxReadSize {
		return nil, ErrTooLarge
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	virt, err := s.resolver.Virtualize(serverID, abs)
	if err != nil {
		return nil, err
	}
	return &ReadResult{
		Path:         virt,
		Size:         info.Size(),
		LastModified: info.ModTime().UnixMilli(),
		Content:      string(data),
	}, nil
}

// Write replaces a file's content, creating parent directories as needed.
func (s *Service) Write(serverID, p, content string) error {
	abs, err := s.resolver.Resolve(serverID, p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return os.WriteFile(abs, []byte(content), 0o644)
}

// RenameResult reports the virtual paths of a rename.
type RenameResult struct {
	OldPath string `json:"oldPath"`
	NewPath string `json:"newPath"`
}

// Rename gives an entry a new name inside its current directory. The new
// name must be a bare name, not a path.
func (s *Service) Rename(serverID, p, newName string) (*RenameResult, error) {
	if newName == "" || strings.ContainsAny(newName, "/\\") {
		return nil, fmt.Errorf("%w: new name must not contain path separators", ErrInvalidInput)
	}

	src, err := s.resolver.Resolve(serverID, p)
	if err != nil {
		return nil, err
	}
	dst := filepath.Join(filepath.Dir(src), newName)
	// The parent is inside the sandbox and newName has no separators, but
	// keep the containment check anyway.
	if _, err := s.resolver.Virtualize(serverID, dst); err != nil {
		return nil, err
	}
	if err := os.Rename(src, dst); err != nil {
		return nil, err
	}

	oldVirt, _ := s.resolver.Virtualize(serverID, src)
	newVirt, _ := s.resolver.Virtualize(serverID, dst)
	return &RenameResult{OldPath: oldVirt, NewPath: newVirt}, nil
}

// MoveResult reports a completed move.
type MoveResult struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
}

// Move relocates an entry. When to names an existing directory (or ends in
// a slash) the entry moves into it, keeping its base name.
func (s *Service) Move(serverID, from, to string) (*MoveResult, error) {
	src, err := s.resolver.Resolve(serverID, from)
	if err != nil {
		return nil, err
	}
	dst, err := s.resolver.Resolve(serverID, to)
	if err != nil {
		return nil, err
	}

	intoDir := strings.HasSuffix(to, "/") || strings.HasSuffix(to, "\\")
	if info, err := os.Stat(dst); err == nil && info.IsDir() {
		intoDir = true
	}
	if intoDir {
		dst = filepath.Join(dst, filepath.Base(src))
	}

	srcInfo, err := os.Stat(src)
	if err != nil {
		return nil, err
	}
	entryType := "file"
	if srcInfo.IsDir() {
		entryType = "folder"
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, err
	}
	if err := os.Rename(src, dst); err != nil {
		return nil, err
	}

	fromVirt, _ := s.resolver.Virtualize(serverID, src)
	toVirt, _ := s.resolver.Virtualize(serverID, dst)
	return &MoveResult{From: fromVirt, To: toVirt, Type: entryType}, nil
}

// Mkdir creates a directory (and its parents). An empty path is rejected.
func (s *Service) Mkdir(serverID, p string) error {
	if strings.Trim(strings.ReplaceAll(p, "\\", "/"), "/ ") == "" {
		return fmt.Errorf("%w: directory path must not be empty", ErrInvalidInput)
	}
	abs, err := s.resolver.Resolve(serverID, p)
	if err != nil {
		return err
	}
	return os.MkdirAll(abs, 0o755)
}

// DownloadResult carries a base64-encoded file.
type DownloadResult struct {
	FileName string `json:"fileName"`
	Size     int64  `json:"size"`
	Base64   string `json:"base64"`
}

// Download returns the file content base64-encoded.
func (s *Service) Download(serverID, p string) (*DownloadResult, error) {
	abs, err := s.resolver.Resolve(serverID, p)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrIsDirectory
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	return &DownloadResult{
		FileName: info.Name(),
		Size:     info.Size(),
		Base64:   base64.StdEncoding.EncodeToString(data),
	}, nil
}

// Upload stores an uploaded file at p, which must include the file name.
// Size is checked before any byte touches the disk.
func (s *Service) Upload(serverID, p string, data []byte) (int64, error) {
	if len(data) > MaxUploadSize {
		return 0, ErrTooLarge
	}
	clean := strings.TrimRight(strings.ReplaceAll(p, "\\", "/"), "/")
	if clean == "" || path.Base(clean) == "." || path.Base(clean) == "/" {
		return 0, fmt.Errorf("%w: upload path must include a file name", ErrInvalidInput)
	}

	abs, err := s.resolver.Resolve(serverID, clean)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return 0, err
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// MassResult is the per-entry outcome of a mass operation.
type MassResult struct {
	Path   string `json:"path"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Delete force-removes every listed entry, continuing past individual
// failures.
func (s *Service) Delete(serverID string, paths []string) []MassResult {
	results := make([]MassResult, 0, len(paths))
	for _, p := range paths {
		res := MassResult{Path: p, Status: "ok"}
		abs, err := s.resolver.Resolve(serverID, p)
		if err == nil {
			err = os.RemoveAll(abs)
		}
		if err != nil {
			res.Status = "error"
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results
}
