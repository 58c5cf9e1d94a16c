package docker

import (
	"io"
	"sync"

	"github.com/docker/docker/pkg/stdcopy"
)

// StreamLines turns a raw container output stream into line events.
//
// TTY containers produce one interleaved stdout+stderr stream; non-TTY
// containers frame their output per stream id and must be demultiplexed
// first. Both streams funnel into a single line splitter so lines are
// delivered in arrival order. Lines are split on \r?\n and empty lines are
// dropped.
//
// The returned cleanup closes every derived stream exactly once and is safe
// to call from any goroutine.
func StreamLines(rc io.ReadCloser, tty bool, onLine func(string)) (cleanup func()) {
	var once sync.Once

	if tty {
		cleanup = func() {
			once.Do(func() { rc.Close() })
		}
		go func() {
			defer cleanup()
			drainLines(rc, onLine)
		}()
		return cleanup
	}

	pr, pw := io.Pipe()
	cleanup = func() {
		once.Do(func() {
			rc.Close()
			pw.Close()
		})
	}

	go func() {
		// stdout and stderr frames funnel into the same pipe to keep
		// arrival order.
		_, err := stdcopy.StdCopy(pw, pw, rc)
		pw.CloseWithError(err)
		cleanup()
	}()
	go func() {
		defer cleanup()
		drainLines(pr, onLine)
	}()

	return cleanup
}
