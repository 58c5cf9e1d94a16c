// Package api is the panel-facing control surface: node status, server
// lifecycle actions, file manager operations and the console websocket.
package api

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"hightd-agent/internal/config"
	"hightd-agent/internal/filemanager"
	"hightd-agent/internal/metrics"
	"hightd-agent/internal/remote"
	"hightd-agent/internal/sandbox"
	"hightd-agent/internal/server"
	"hightd-agent/pkg/models"
)

// Version is the agent release reported on /status.
const Version = "1.0.0"

// Handlers binds the control endpoints to the lifecycle engine.
type Handlers struct {
	cfg      *config.Config
	registry *server.Registry
	files    *filemanager.Service
	remote   *remote.Client
	log      *zap.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(cfg *config.Config, registry *server.Registry, files *filemanager.Service, rc *remote.Client, log *zap.Logger) *Handlers {
	return &Handlers{cfg: cfg, registry: registry, files: files, remote: rc, log: log}
}

type baseRequest struct {
	Token    string `json:"token"`
	UserUUID string `json:"userUuid"`
	ServerID string `json:"serverId"`
}

// nodeStatus answers POST /status with node identity and counts.
func (h *Handlers) nodeStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"uuid":    h.cfg.UUID,
		"version": Version,
		"servers": h.registry.Count(),
		"running": h.registry.RunningCount(),
	})
}

// createServer registers a new server. Admin only.
func (h *Handlers) createServer(c *gin.Context) {
	var req baseRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ServerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "serverId is required"})
		return
	}
	if !h.remote.HasAdminPermission(c.Request.Context(), req.UserUUID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin permission required"})
		return
	}

	if _, err := h.registry.Create(c.Request.Context(), req.ServerID); err != nil {
		if errors.Is(err, server.ErrServerExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "server already exists"})
			return
		}
		h.log.Error("server create failed", zap.String("server", req.ServerID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create server"})
		return
	}
	metrics.ServerActions.WithLabelValues("create").Inc()
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// deleteServer destroys a server and its sandbox. Admin only.
func (h *Handlers) deleteServer(c *gin.Context) {
	var req baseRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ServerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "serverId is required"})
		return
	}
	if !h.remote.HasAdminPermission(c.Request.Context(), req.UserUUID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin permission required"})
		return
	}

	if err := h.registry.Delete(c.Request.Context(), req.ServerID); err != nil {
		if errors.Is(err, server.ErrServerNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "server not found"})
			return
		}
		h.log.Error("server delete failed", zap.String("server", req.ServerID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not delete server"})
		return
	}
	metrics.ServerActions.WithLabelValues("delete").Inc()
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// authorizeServer resolves the instance and checks the user's per-server
// permission with the panel.
func (h *Handlers) authorizeServer(c *gin.Context, req baseRequest) (*server.Instance, bool) {
	if req.ServerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "serverId is required"})
		return nil, false
	}
	inst, ok := h.registry.Get(req.ServerID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "server not found"})
		return nil, false
	}
	if !h.remote.HasPermission(c.Request.Context(), req.UserUUID, req.ServerID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission denied"})
		return nil, false
	}
	return inst, true
}

// serverStatus answers with the authoritative container state.
func (h *Handlers) serverStatus(c *gin.Context) {
	var req baseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	inst, ok := h.authorizeServer(c, req)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "serverStatus": inst.Status(c.Request.Context())})
}

// serverUsage answers with a one-shot resource snapshot.
func (h *Handlers) serverUsage(c *gin.Context) {
	var req baseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	inst, ok := h.authorizeServer(c, req)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "usage": inst.Usage(c.Request.Context())})
}

type actionRequest struct {
	baseRequest
	models.StartData
	Action  string `json:"action"`
	Command string `json:"command"`
}

// serverAction dispatches start/restart/stop/kill/command.
func (h *Handlers) serverAction(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	inst, ok := h.authorizeServer(c, req.baseRequest)
	if !ok {
		return
	}

	metrics.ServerActions.WithLabelValues(req.Action).Inc()
	switch req.Action {
	case "start", "restart":
		if req.Image == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image is required"})
			return
		}
		data := req.StartData
		action := req.Action
		// Pulls can take minutes; progress flows through the console.
		go func() {
			ctx := context.Background()
			var err error
			if action == "start" {
				err = inst.Start(ctx, data)
			} else {
				err = inst.Restart(ctx, data)
			}
			if err != nil {
				h.log.Error("server "+action+" failed",
					zap.String("server", inst.ID), zap.Error(err))
			}
		}()
		c.JSON(http.StatusAccepted, gin.H{"status": "success"})
	case "stop":
		command := req.Command
		if command == "" {
			command = req.Core.StopCommand
		}
		if command == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
			return
		}
		inst.Stop(c.Request.Context(), command)
		c.JSON(http.StatusOK, gin.H{"status": "success"})
	case "kill":
		inst.Kill(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"status": "success"})
	case "command":
		if req.Command == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
			return
		}
		if err := inst.SendCommand(c.Request.Context(), req.Command); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": "server is not accepting input"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action"})
	}
}

type fileRequest struct {
	baseRequest
	Path          string   `json:"path"`
	Content       string   `json:"content"`
	ContentBase64 string   `json:"contentBase64"`
	NewName       string   `json:"newName"`
	From          string   `json:"from"`
	To            string   `json:"to"`
	Paths         []string `json:"paths"`
	Action        string   `json:"action"`
	ArchiveName   string   `json:"archiveName"`
	Destination   string   `json:"destination"`
}

// fileOperation dispatches the file manager op named in the route.
func (h *Handlers) fileOperation(c *gin.Context) {
	var req fileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	inst, ok := h.authorizeServer(c, req.baseRequest)
	if !ok {
		return
	}
	id := inst.ID

	var result any
	var err error
	switch c.Param("operation") {
	case "list":
		var entries any
		entries, err = h.files.List(id, req.Path)
		result = gin.H{"status": "success", "entries": entries}
	case "read":
		var r *filemanager.ReadResult
		if r, err = h.files.Read(id, req.Path); err == nil {
			result = gin.H{"status": "success", "path": r.Path, "size": r.Size,
				"lastModified": r.LastModified, "content": r.Content}
		}
	case "write":
		err = h.files.Write(id, req.Path, req.Content)
	case "rename":
		var r *filemanager.RenameResult
		if r, err = h.files.Rename(id, req.Path, req.NewName); err == nil {
			result = gin.H{"status": "success", "oldPath": r.OldPath, "newPath": r.NewPath}
		}
	case "move":
		var r *filemanager.MoveResult
		if r, err = h.files.Move(id, req.From, req.To); err == nil {
			result = gin.H{"status": "success", "from": r.From, "to": r.To, "type": r.Type}
		}
	case "mkdir":
		if err = h.files.Mkdir(id, req.Path); err == nil {
			result = gin.H{"status": "success", "path": req.Path}
		}
	case "download":
		var r *filemanager.DownloadResult
		if r, err = h.files.Download(id, req.Path); err == nil {
			result = gin.H{"status": "success", "fileName": r.FileName,
				"size": r.Size, "base64": r.Base64}
		}
	case "upload":
		payload := []byte(req.Content)
		if req.ContentBase64 != "" {
			payload, err = base64.StdEncoding.DecodeString(req.ContentBase64)
		}
		if err == nil {
			var size int64
			if size, err = h.files.Upload(id, req.Path, payload); err == nil {
				result = gin.H{"status": "success", "path": req.Path, "size": size}
			}
		}
	case "mass":
		result, err = h.massOperation(id, req)
	case "unarchive":
		var r *filemanager.UnarchiveResult
		if r, err = h.files.Unarchive(id, req.Path, req.Destination); err == nil {
			result = gin.H{"status": "success", "archive": r.Archive,
				"destination": r.Destination, "flattened": r.Flattened, "results": r.Results}
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown file operation"})
		return
	}

	if err != nil {
		h.writeFileError(c, err)
		return
	}
	if result == nil {
		result = gin.H{"status": "success"}
	}
	c.JSON(http.StatusOK, result)
}

// massOperation applies delete or archive to a batch of entries.
func (h *Handlers) massOperation(id string, req fileRequest) (any, error) {
	if len(req.Paths) == 0 {
		return nil, fmt.Errorf("%w: paths must not be empty", filemanager.ErrInvalidInput)
	}
	switch req.Action {
	case "delete":
		return gin.H{"status": "success", "results": h.files.Delete(id, req.Paths)}, nil
	case "archive":
		archive, results, err := h.files.Archive(id, req.Paths, req.ArchiveName)
		if err != nil {
			return nil, err
		}
		return gin.H{"status": "success", "archive": archive, "results": results}, nil
	default:
		return nil, fmt.Errorf("%w: unknown mass action", filemanager.ErrInvalidInput)
	}
}

func (h *Handlers) writeFileError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, sandbox.ErrPathEscape):
		c.JSON(http.StatusForbidden, gin.H{"error": "path escapes the server directory"})
	case errors.Is(err, filemanager.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file exceeds the size limit"})
	case errors.Is(err, filemanager.ErrIsDirectory):
		c.JSON(http.StatusBadRequest, gin.H{"error": "target is a directory"})
	case errors.Is(err, filemanager.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, filemanager.ErrUnsupportedArchive):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported archive format"})
	case errors.Is(err, os.ErrNotExist):
		c.JSON(http.StatusNotFound, gin.H{"error": "no such file or directory"})
	default:
		h.log.Warn("file operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "file operation failed"})
	}
}
