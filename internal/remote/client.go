// Package remote is the client for the panel's helper API. The agent never
// decides permissions itself: every auth predicate is an RPC to the panel,
// and transport failures are treated as a denial.
package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"hightd-agent/internal/logging"
)

const helperBase = "/api/nodes/helper"

// Client talks to the panel helper endpoints. The sftp channel accepts
// self-signed certificates because the panel commonly terminates that route
// behind its own proxy.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	sftpClient *http.Client
}

// NewClient creates a helper API client for the given panel base URL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		sftpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

// PortsResponse is the configure-time answer from fetch-ports.
type PortsResponse struct {
	Port int  `json:"port"`
	SFTP int  `json:"sftp"`
	SSL  bool `json:"ssl"`
}

// FetchPorts asks the panel which ports this node should bind. Used only by
// the configure tool.
func (c *Client) FetchPorts(ctx context.Context, uuid string) (*PortsResponse, error) {
	var out PortsResponse
	err := c.post(ctx, c.httpClient, "/fetch-ports", map[string]any{
		"uuid":  uuid,
		"token": c.token,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// HasAdminPermission reports whether the user is a panel administrator.
// Any transport failure is a deny.
func (c *Client) HasAdminPermission(ctx context.Context, userUUID string) bool {
	var out struct {
		IsAdmin bool `json:"isAdmin"`
	}
	err := c.post(ctx, c.httpClient, "/admin-permission", map[string]any{
		"token":    c.token,
		"userUuid": userUUID,
	}, &out)
	if err != nil {
		logging.L().Warn("admin permission check failed, denying",
			zap.String("user", userUUID), zap.Error(err))
		return false
	}
	return out.IsAdmin
}

// HasPermission reports whether the user may manage the given server.
// Any transport failure is a deny.
func (c *Client) HasPermission(ctx context.Context, userUUID, serverUUID string) bool {
	var out struct {
		Permission bool `json:"permission"`
	}
	err := c.post(ctx, c.httpClient, "/permission", map[string]any{
		"token":      c.token,
		"userUuid":   userUUID,
		"serverUuid": serverUUID,
	}, &out)
	if err != nil {
		logging.L().Warn("permission check failed, denying",
			zap.String("user", userUUID), zap.String("server", serverUUID), zap.Error(err))
		return false
	}
	return out.Permission
}

// VerifySFTP verifies an SFTP login against the panel. Self-signed TLS is
// tolerated on this route; transport failure is a deny.
func (c *Client) VerifySFTP(ctx context.Context, userName, password, serverUUID string) bool {
	var out struct {
		Permission bool `json:"permission"`
	}
	err := c.post(ctx, c.sftpClient, "/verify-sftp", map[string]any{
		"token":      c.token,
		"userName":   userName,
		"password":   password,
		"serverUuid": serverUUID,
	}, &out)
	if err != nil {
		logging.L().Warn("sftp verification failed, denying",
			zap.String("user", userName), zap.String("server", serverUUID), zap.Error(err))
		return false
	}
	return out.Permission
}

func (c *Client) post(ctx context.Context, hc *http.Client, path string, body map[string]any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+helperBase+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("helper %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("helper %s: unexpected status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
