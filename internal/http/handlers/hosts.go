package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/geocoder89/fleetrunner/internal/domain/host"
	"github.com/geocoder89/fleetrunner/internal/domain/job"
	"github.com/gin-gonic/gin"
)

type HostsStore interface {
	ReplaceBlocks(ctx context.Context, hostID string, commands []job.CommandType) ([]string, error)
	DeleteBlock(ctx context.Context, hostID string, cmd job.CommandType) (int64, error)
}

type HostsHandler struct {
	hosts HostsStore
}

func NewHostsHandler(hosts HostsStore) *HostsHandler {
	return &HostsHandler{hosts: hosts}
}

type blocksBody struct {
	Commands []string `json:"commands" binding:"required"`
}

// PUT /hosts/:host_id/blocks

func (h *HostsHandler) ReplaceBlocks(ctx *gin.Context) {
	hostID := ctx.Param("host_id")

	var body blocksBody

	if !BindJSON(ctx, &body) {
		return
	}

	commands := make([]job.CommandType, 0, len(body.Commands))

	for _, raw := range body.Commands {
		cmd := job.CommandType(raw)

		if !cmd.IsValid() {
			RespondBadRequest(ctx, "unknown command_type", gin.H{"command_type": raw})
			return
		}

		commands = append(commands, cmd)
	}

	current, err := h.hosts.ReplaceBlocks(ctx.Request.Context(), hostID, commands)

	if err != nil {
		if errors.Is(err, host.ErrNotFound) {
			RespondNotFound(ctx, "host not found")
			return
		}

		RespondInternal(ctx, "could not update host blocks")
		return
	}

	if current == nil {
		current = []string{}
	}

	ctx.JSON(http.StatusOK, gin.H{
		"host_id":          hostID,
		"blocked_commands": current,
	})
}

// DELETE /hosts/:host_id/blocks/:command_type

func (h *HostsHandler) DeleteBlock(ctx *gin.Context) {
	hostID := ctx.Param("host_id")
	raw := ctx.Param("command_type")

	cmd := job.CommandType(raw)

	if !cmd.IsValid() {
		RespondBadRequest(ctx, "unknown command_type", gin.H{"command_type": raw})
		return
	}

	deleted, err := h.hosts.DeleteBlock(ctx.Request.Context(), hostID, cmd)

	if err != nil {
		if errors.Is(err, host.ErrNotFound) {
			RespondNotFound(ctx, "host not found")
			return
		}

		RespondInternal(ctx, "could not delete host block")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"deleted": deleted})
}
