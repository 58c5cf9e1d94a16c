package sftpd

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// HostKeyFile is the key file name kept next to the server sandboxes.
const HostKeyFile = "sftp_host_key.pem"

// ensureHostKey loads the daemon's RSA host key, generating and persisting a
// new one when the file is missing or unparseable so clients see a stable
// fingerprint across restarts.
func ensureHostKey(path string) (ssh.Signer, error) {
	if data, err := os.ReadFile(path); err == nil {
		if signer, err := ssh.ParsePrivateKey(data); err == nil {
			return signer, nil
		}
		// Corrupt key file; mint a fresh one below.
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}

	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, fmt.Errorf("persist host key %s: %w", path, err)
	}
	return ssh.ParsePrivateKey(pemBytes)
}
