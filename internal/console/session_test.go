package console

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hightd-agent/internal/docker"
	"hightd-agent/internal/sandbox"
	"hightd-agent/internal/server"
	"hightd-agent/internal/store"
	"hightd-agent/pkg/models"
)

func TestEventFramePrefixesAgentMessages(t *testing.T) {
	s := &session{}

	f := s.eventFrame(models.Event{
		Category:  models.EventStatus,
		Message:   "Servidor em execução.",
		Timestamp: 123,
	})
	assert.Equal(t, "line", f.Type)
	assert.Equal(t, "status", f.Category)
	assert.Equal(t, "Servidor em execução.", f.Message)
	assert.Equal(t, int64(123), f.Timestamp)
	assert.Equal(t, "\x1b[32m[HightD]\x1b[0m", f.Prefix)
	assert.Equal(t, "\x1b[32m[HightD]\x1b[0m \x1b[32mServidor em execução.\x1b[0m", f.Line)
}

func TestEventFrameKeepsLogLinesVerbatim(t *testing.T) {
	s := &session{}

	f := s.eventFrame(models.Event{
		Category: models.EventLog,
		Message:  "[12:00:01] [Server thread/INFO]: Done (3.2s)!",
	})
	assert.Empty(t, f.Prefix)
	assert.Equal(t, "[12:00:01] [Server thread/INFO]: Done (3.2s)!", f.Line)
	assert.Equal(t, f.Message, f.Line)
}

func TestEventFrameColorsByCategory(t *testing.T) {
	s := &session{}

	colors := map[models.EventCategory]string{
		models.EventError:   "\x1b[31m",
		models.EventWarn:    "\x1b[33m",
		models.EventPull:    "\x1b[36m",
		models.EventCommand: "\x1b[34m",
	}
	for category, color := range colors {
		f := s.eventFrame(models.Event{Category: category, Message: "m"})
		assert.Equal(t, color+"[HightD]\x1b[0m", f.Prefix, "category %s", category)
		assert.Equal(t, f.Prefix+" "+color+"m\x1b[0m", f.Line, "category %s", category)
	}
}

func TestPollRunningQueriesRuntime(t *testing.T) {
	base := t.TempDir()
	resolver := sandbox.NewResolver(base)
	st, err := store.Open(filepath.Join(base, "servers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	driver, err := docker.NewDriver("")
	require.NoError(t, err)
	t.Cleanup(func() { driver.Close() })

	registry := server.NewRegistry(driver, resolver, st, zap.NewNop())
	inst, err := registry.Create(context.Background(), "srv-1")
	require.NoError(t, err)

	// No container handle means the runtime is never consulted and the
	// instance reads as stopped.
	s := &session{inst: inst}
	assert.False(t, s.pollRunning())
}

func TestClampTail(t *testing.T) {
	assert.Equal(t, 0, clampTail(-5))
	assert.Equal(t, defaultTail, clampTail(defaultTail))
	assert.Equal(t, maxTail, clampTail(99999))
}
