package filemanager

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/nwaples/rardecode/v2"

	"hightd-agent/internal/sandbox"
)

// ErrUnsupportedArchive is returned for archive formats the agent cannot
// unpack.
var ErrUnsupportedArchive = errors.New("unsupported archive format")

// Archive zips the listed entries into a new archive under the sandbox
// root. An empty name falls back to a timestamped one. Returns the archive's
// virtual path and the per-entry outcomes.
func (s *Service) Archive(serverID string, paths []string, archiveName string) (string, []MassResult, error) {
	if archiveName == "" {
		archiveName = fmt.Sprintf("archive-%d", time.Now().Unix())
	}
	archiveName = strings.TrimSuffix(archiveName, ".zip") + ".zip"

	out, err := s.resolver.Resolve(serverID, archiveName)
	if err != nil {
		return "", nil, err
	}

	f, err := os.Create(out)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	defer zw.Close()

	results := make([]MassResult, 0, len(paths))
	for _, p := range paths {
		res := MassResult{Path: p, Status: "ok"}
		if err := s.zipEntry(zw, serverID, p, out); err != nil {
			res.Status = "error"
			res.Error = err.Error()
		}
		results = append(results, res)
	}

	virt, err := s.resolver.Virtualize(serverID, out)
	if err != nil {
		return "", results, err
	}
	return virt, results, nil
}

// zipEntry adds one selected entry (file or folder, recursively) to the
// archive, with zip paths relative to the sandbox root.
func (s *Service) zipEntry(zw *zip.Writer, serverID, p, archiveAbs string) error {
	src, err := s.resolver.Resolve(serverID, p)
	if err != nil {
		return err
	}
	root := s.resolver.Root(serverID)

	return filepath.Walk(src, func(fp string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fp == archiveAbs {
			return nil
		}
		rel, err := filepath.Rel(root, fp)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if info.IsDir() {
			if rel == "." {
				return nil
			}
			_, err := zw.Create(rel + "/")
			return err
		}
		w, err := zw.Create(rel)
		if err != nil {
			return err
		}
		in, err := os.Open(fp)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(w, in)
		return err
	})
}

// UnarchiveResult reports an extraction.
type UnarchiveResult struct {
	Archive     string   `json:"archive"`
	Destination string   `json:"destination"`
	Flattened   bool     `json:"flattened"`
	Results     []string `json:"results"`
}

// Unarchive unpacks a zip, tar, tar.gz/tgz or rar archive. The destination
// defaults to the archive's base name with the extension stripped. When the
// caller named a destination and the whole archive sits inside one top-level
// folder matching that base name, the wrapper folder is stripped.
func (s *Service) Unarchive(serverID, archivePath, destination string) (*UnarchiveResult, error) {
	abs, err := s.resolver.Resolve(serverID, archivePath)
	if err != nil {
		return nil, err
	}

	virtArchive := path.Clean("/" + strings.ReplaceAll(archivePath, "\\", "/"))
	base := archiveBaseName(virtArchive)

	suppliedDest := destination != ""
	if !suppliedDest {
		destination = path.Join(path.Dir(virtArchive), base)
	}

	entries, err := s.archiveEntries(abs)
	if err != nil {
		return nil, err
	}

	strip := ""
	top := commonTopLevel(entries)
	flattened := suppliedDest && top != "" && top == base
	if flattened {
		strip = top
	}

	results, err := s.extract(serverID, abs, destination, strip)
	if err != nil {
		return nil, err
	}
	return &UnarchiveResult{
		Archive:     virtArchive,
		Destination: destination,
		Flattened:   flattened,
		Results:     results,
	}, nil
}

// archiveBaseName strips the archive extension from a path's base name.
func archiveBaseName(p string) string {
	name := path.Base(p)
	lower := strings.ToLower(name)
	for _, ext := range []string{".tar.gz", ".tgz", ".tar", ".zip", ".rar"} {
		if strings.HasSuffix(lower, ext) {
			return name[:len(name)-len(ext)]
		}
	}
	return name
}

// archiveEntry is the name/dir pair the flatten heuristic needs.
type archiveEntry struct {
	Name string
	Dir  bool
}

// commonTopLevel returns the wrapper folder shared by every entry, or ""
// when the archive content does not sit inside a single top-level folder. A
// top-level plain file disqualifies flattening.
func commonTopLevel(entries []archiveEntry) string {
	top := ""
	for _, e := range entries {
		name := strings.TrimPrefix(strings.ReplaceAll(e.Name, "\\", "/"), "/")
		name = strings.TrimSuffix(name, "/")
		if name == "" {
			continue
		}

		seg, rest, nested := strings.Cut(name, "/")
		if top == "" {
			top = seg
		} else if seg != top {
			return ""
		}
		if (!nested || rest == "") && !e.Dir {
			return ""
		}
	}
	return top
}

// entryTarget sanitizes one archive entry name and resolves it under
// destDir, stripping the flattened prefix when set.
func (s *Service) entryTarget(serverID, destDir, name, strip string) (string, error) {
	name = strings.TrimPrefix(strings.ReplaceAll(name, "\\", "/"), "/")
	if strip != "" {
		name = strings.TrimPrefix(strings.TrimPrefix(name, strip), "/")
	}
	if name == "" {
		return "", nil
	}
	// Joining would collapse ".." before the resolver sees it.
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return "", sandbox.ErrPathEscape
		}
	}
	return s.resolver.Resolve(serverID, path.Join(destDir, name))
}

func writeEntry(target string, mode os.FileMode, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}

func (s *Service) archiveEntries(abs string) ([]archiveEntry, error) {
	lower := strings.ToLower(abs)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		zr, err := zip.OpenReader(abs)
		if err != nil {
			return nil, fmt.Errorf("open zip: %w", err)
		}
		defer zr.Close()
		entries := make([]archiveEntry, 0, len(zr.File))
		for _, f := range zr.File {
			entries = append(entries, archiveEntry{Name: f.Name, Dir: f.FileInfo().IsDir()})
		}
		return entries, nil
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"), strings.HasSuffix(lower, ".tar"):
		return tarEntries(abs)
	case strings.HasSuffix(lower, ".rar"):
		return rarEntries(abs)
	default:
		return nil, ErrUnsupportedArchive
	}
}

func (s *Service) extract(serverID, abs, destDir, strip string) ([]string, error) {
	lower := strings.ToLower(abs)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return s.unzip(serverID, abs, destDir, strip)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"), strings.HasSuffix(lower, ".tar"):
		return s.untar(serverID, abs, destDir, strip)
	case strings.HasSuffix(lower, ".rar"):
		return s.unrar(serverID, abs, destDir, strip)
	default:
		return nil, ErrUnsupportedArchive
	}
}

func (s *Service) unzip(serverID, abs, destDir, strip string) ([]string, error) {
	zr, err := zip.OpenReader(abs)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	var written []string
	for _, f := range zr.File {
		target, err := s.entryTarget(serverID, destDir, f.Name, strip)
		if err != nil {
			return written, err
		}
		if target == "" {
			continue
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return written, err
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return written, err
		}
		err = writeEntry(target, f.Mode(), rc)
		rc.Close()
		if err != nil {
			return written, err
		}
		if virt, err := s.resolver.Virtualize(serverID, target); err == nil {
			written = append(written, virt)
		}
	}
	return written, nil
}

func (s *Service) untar(serverID, abs, destDir, strip string) ([]string, error) {
	tr, closer, err := openTar(abs)
	if err != nil {
		return nil, err
	}
	defer closer()

	var written []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, fmt.Errorf("read tar: %w", err)
		}

		target, err := s.entryTarget(serverID, destDir, hdr.Name, strip)
		if err != nil {
			return written, err
		}
		if target == "" {
			continue
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return written, err
			}
		case tar.TypeReg:
			if err := writeEntry(target, os.FileMode(hdr.Mode), tr); err != nil {
				return written, err
			}
			if virt, err := s.resolver.Virtualize(serverID, target); err == nil {
				written = append(written, virt)
			}
		}
	}
}

func tarEntries(abs string) ([]archiveEntry, error) {
	tr, closer, err := openTar(abs)
	if err != nil {
		return nil, err
	}
	defer closer()

	var entries []archiveEntry
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}
		entries = append(entries, archiveEntry{Name: hdr.Name, Dir: hdr.Typeflag == tar.TypeDir})
	}
}

func openTar(abs string) (*tar.Reader, func(), error) {
	f, err := os.Open(abs)
	if err != nil {
		return nil, nil, err
	}

	if strings.HasSuffix(strings.ToLower(abs), ".tar") {
		return tar.NewReader(f), func() { f.Close() }, nil
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("open gzip: %w", err)
	}
	return tar.NewReader(gz), func() { gz.Close(); f.Close() }, nil
}

func (s *Service) unrar(serverID, abs, destDir, strip string) ([]string, error) {
	rr, err := rardecode.OpenReader(abs)
	if err != nil {
		return nil, fmt.Errorf("open rar: %w", err)
	}
	defer rr.Close()

	var written []string
	for {
		hdr, err := rr.Next()
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, fmt.Errorf("read rar: %w", err)
		}

		target, err := s.entryTarget(serverID, destDir, hdr.Name, strip)
		if err != nil {
			return written, err
		}
		if target == "" {
			continue
		}
		if hdr.IsDir {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return written, err
			}
			continue
		}
		if err := writeEntry(target, hdr.Mode(), rr); err != nil {
			return written, err
		}
		if virt, err := s.resolver.Virtualize(serverID, target); err == nil {
			written = append(written, virt)
		}
	}
}

func rarEntries(abs string) ([]archiveEntry, error) {
	rr, err := rardecode.OpenReader(abs)
	if err != nil {
		return nil, fmt.Errorf("open rar: %w", err)
	}
	defer rr.Close()

	var entries []archiveEntry
	for {
		hdr, err := rr.Next()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read rar: %w", err)
		}
		entries = append(entries, archiveEntry{Name: hdr.Name, Dir: hdr.IsDir})
	}
}
