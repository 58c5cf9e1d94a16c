package sftpd

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/sftp"

	"hightd-agent/internal/sandbox"
)

// fsHandlers serves sftp requests against one server's sandbox. Every
// client path passes through the resolver, so escapes fail before any
// filesystem call.
type fsHandlers struct {
	resolver *sandbox.Resolver
	serverID string
}

func newHandlers(resolver *sandbox.Resolver, serverID string) sftp.Handlers {
	h := &fsHandlers{resolver: resolver, serverID: serverID}
	return sftp.Handlers{
		FileGet:  h,
		FilePut:  h,
		FileCmd:  h,
		FileList: h,
	}
}

func (h *fsHandlers) resolve(p string) (string, error) {
	return h.resolver.Resolve(h.serverID, p)
}

func (h *fsHandlers) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	abs, err := h.resolve(r.Filepath)
	if err != nil {
		return nil, sftp.ErrSSHFxPermissionDenied
	}
	return os.Open(abs)
}

func (h *fsHandlers) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	abs, err := h.resolve(r.Filepath)
	if err != nil {
		return nil, sftp.ErrSSHFxPermissionDenied
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, err
	}

	flags := os.O_RDWR | os.O_CREATE
	pf := r.Pflags()
	if pf.Trunc {
		flags |= os.O_TRUNC
	}
	if pf.Append {
		flags |= os.O_APPEND
	}
	if pf.Excl {
		flags |= os.O_EXCL
	}
	return os.OpenFile(abs, flags, 0o644)
}

func (h *fsHandlers) Filecmd(r *sftp.Request) error {
	abs, err := h.resolve(r.Filepath)
	if err != nil {
		return sftp.ErrSSHFxPermissionDenied
	}

	switch r.Method {
	case "Rename":
		target, err := h.resolve(r.Target)
		if err != nil {
			return sftp.ErrSSHFxPermissionDenied
		}
		return os.Rename(abs, target)
	case "Remove":
		return os.Remove(abs)
	case "Mkdir":
		return os.MkdirAll(abs, 0o755)
	case "Rmdir":
		return os.Remove(abs)
	case "Setstat":
		// Clients routinely setstat after upload; ownership and times are
		// not tracked inside the sandbox.
		return nil
	default:
		return sftp.ErrSSHFxOpUnsupported
	}
}

func (h *fsHandlers) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	abs, err := h.resolve(r.Filepath)
	if err != nil {
		return nil, sftp.ErrSSHFxPermissionDenied
	}

	switch r.Method {
	case "List":
		entries, err := os.ReadDir(abs)
		if err != nil {
			return nil, err
		}
		infos := make([]os.FileInfo, 0, len(entries))
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			infos = append(infos, info)
		}
		return listerat(infos), nil
	case "Stat":
		info, err := os.Stat(abs)
		if err != nil {
			return nil, err
		}
		return listerat{info}, nil
	default:
		return nil, sftp.ErrSSHFxOpUnsupported
	}
}

// listerat adapts a FileInfo slice to sftp's offset reads.
type listerat []os.FileInfo

func (l listerat) ListAt(dst []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(dst, l[offset:])
	if n < len(dst) {
		return n, io.EOF
	}
	return n, nil
}
