// Package sftpd embeds the SFTP daemon: password logins verified by the
// panel, each session jailed to its server's sandbox.
package sftpd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"hightd-agent/internal/metrics"
	"hightd-agent/internal/remote"
	"hightd-agent/internal/sandbox"
	"hightd-agent/internal/server"
)

const serverIDExtension = "server-id"

// Server is the embedded SFTP daemon.
type Server struct {
	resolver *sandbox.Resolver
	registry *server.Registry
	remote   *remote.Client
	log      *zap.Logger

	sshConfig *ssh.ServerConfig
	listener  net.Listener

	mu    sync.Mutex
	conns map[*ssh.ServerConn]struct{}
}

// NewServer builds the daemon. The host key lives under the sandbox base so
// it survives restarts.
func NewServer(resolver *sandbox.Resolver, registry *server.Registry, rc *remote.Client, log *zap.Logger) (*Server, error) {
	s := &Server{
		resolver: resolver,
		registry: registry,
		remote:   rc,
		log:      log,
		conns:    make(map[*ssh.ServerConn]struct{}),
	}

	signer, err := ensureHostKey(filepath.Join(resolver.Base, HostKeyFile))
	if err != nil {
		return nil, err
	}

	s.sshConfig = &ssh.ServerConfig{
		PasswordCallback: s.authenticate,
	}
	s.sshConfig.AddHostKey(signer)
	return s, nil
}

// splitUsername separates "panelUser_serverPrefix" at the last underscore.
// Panel usernames may themselves contain underscores.
func splitUsername(username string) (user, serverPrefix string, ok bool) {
	idx := strings.LastIndex(username, "_")
	if idx <= 0 || idx == len(username)-1 {
		return "", "", false
	}
	return username[:idx], username[idx+1:], true
}

func (s *Server) authenticate(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	user, prefix, ok := splitUsername(meta.User())
	if !ok {
		return nil, errors.New("malformed sftp username")
	}

	inst, err := s.registry.Lookup(prefix)
	if err != nil {
		s.log.Info("sftp login for unknown server",
			zap.String("username", meta.User()), zap.Error(err))
		return nil, errors.New("access denied")
	}

	if !s.remote.VerifySFTP(context.Background(), user, string(password), inst.ID) {
		s.log.Info("sftp login denied",
			zap.String("user", user), zap.String("server", inst.ID))
		return nil, errors.New("access denied")
	}

	return &ssh.Permissions{
		Extensions: map[string]string{serverIDExtension: inst.ID},
	}, nil
}

// ListenAndServe binds addr and accepts sessions until Close.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("sftp listen %s: %w", addr, err)
	}
	s.listener = ln
	s.log.Info("sftp daemon listening", zap.String("addr", addr))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.sshConfig)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	s.mu.Lock()
	s.conns[sshConn] = struct{}{}
	s.mu.Unlock()
	metrics.SFTPSessions.Inc()

	defer func() {
		s.mu.Lock()
		delete(s.conns, sshConn)
		s.mu.Unlock()
		metrics.SFTPSessions.Dec()
		sshConn.Close()
	}()

	serverID := sshConn.Permissions.Extensions[serverIDExtension]
	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(serverID, channel, requests)
	}
}

func (s *Server) handleSession(serverID string, channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	// Only the sftp subsystem is served; everything else is refused.
	go func() {
		for req := range requests {
			ok := req.Type == "subsystem" && len(req.Payload) >= 4 &&
				string(req.Payload[4:]) == "sftp"
			req.Reply(ok, nil)
		}
	}()

	handlers := newHandlers(s.resolver, serverID)
	srv := sftp.NewRequestServer(channel, handlers)
	if err := srv.Serve(); err != nil && !errors.Is(err, io.EOF) {
		s.log.Debug("sftp session ended", zap.String("server", serverID), zap.Error(err))
	}
	srv.Close()
}

// Close stops the listener and tears down every live session.
func (s *Server) Close() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.conns = make(map[*ssh.ServerConn]struct{})
	s.mu.Unlock()
	return err
}
