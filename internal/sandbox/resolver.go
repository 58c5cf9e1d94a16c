// Package sandbox confines user-supplied paths to a per-server root
// directory shared by the HTTP file manager and the SFTP daemon.
package sandbox

import (
	"errors"
	"path"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned when a resolved path would leave the sandbox.
var ErrPathEscape = errors.New("path escapes the server sandbox")

// Resolver maps virtual, /-rooted paths onto host paths under Base/{id}.
type Resolver struct {
	Base string
}

// NewResolver creates a resolver rooted at base.
func NewResolver(base string) *Resolver {
	return &Resolver{Base: filepath.Clean(base)}
}

// Root returns the sandbox root directory for a server id.
func (r *Resolver) Root(id string) string {
	return filepath.Join(r.Base, id)
}

// Resolve translates a user-supplied path into an absolute host path that is
// guaranteed to live inside the server's sandbox. Resolution is purely
// lexical: no symlinks are followed.
func (r *Resolver) Resolve(id, p string) (string, error) {
	root := r.Root(id)

	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" || p == "/" || p == "." {
		return root, nil
	}

	// Drive-letter absolutes ("C:/x") and OS absolutes are accepted only if
	// they normalize back inside the root.
	if len(p) >= 2 && p[1] == ':' {
		p = p[2:]
	}
	p = strings.TrimLeft(p, "/")

	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", ErrPathEscape
		}
	}

	joined := filepath.Join(root, filepath.FromSlash(path.Clean("/" + p)))
	if !within(joined, root) {
		return "", ErrPathEscape
	}
	return joined, nil
}

// Virtualize maps a host path inside a server's sandbox back to the /-rooted
// virtual view exposed over SFTP.
func (r *Resolver) Virtualize(id, abs string) (string, error) {
	root := r.Root(id)
	abs = filepath.Clean(abs)
	if !within(abs, root) {
		return "", ErrPathEscape
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", ErrPathEscape
	}
	if rel == "." {
		return "/", nil
	}
	return "/" + filepath.ToSlash(rel), nil
}

func within(p, root string) bool {
	p = filepath.Clean(p)
	root = filepath.Clean(root)
	return p == root || strings.HasPrefix(p, root+string(filepath.Separator))
}
