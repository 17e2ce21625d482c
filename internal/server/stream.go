package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ironquill/battlemap/internal/maps"
	"go.uber.org/zap"
)

const (
	defaultPresenceInterval  = 5 * time.Second
	defaultReconcileInterval = 2 * time.Second

	eventConnected    = "connected"
	eventPresence     = "presence"
	eventDocumentSync = "documentSync"
)

// handleStream runs the per-viewer presence and reconciliation loops over a
// server-sent-events response. The two loops are independent: the presence
// loop heartbeats this viewer into durable storage, evicts stale rows, and
// emits the deduplicated roster; the reconciliation loop pushes a
// role-selective document snapshot whenever the stored document is newer
// than what this stream last observed. Per-tick storage failures are logged
// inside the services and never terminate the stream.
func (h *httpHandler) handleStream(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	mapID := c.Param("mapId")

	role, err := h.maps.AccessFor(c.Request.Context(), mapID, claims.UserID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	if role == maps.RoleNone {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	connectionID := uuid.NewString()
	logger := h.logger.With(
		zap.String("map_id", mapID),
		zap.String("user_id", claims.UserID),
		zap.String("connection_id", connectionID),
	)

	ctx := c.Request.Context()
	// Transport cancellation must clean up exactly once. The request context
	// is already canceled by then, so the delete runs on its own deadline;
	// it tolerates a row that another tab already replaced or deleted.
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.presence.Leave(cleanupCtx, mapID, connectionID)
		logger.Debug("stream closed")
	}()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	_ = h.presence.Heartbeat(ctx, mapID, claims.UserID, connectionID, claims.UserDisplayName, claims.UserAvatarURL)
	c.SSEvent(eventConnected, gin.H{"connectionId": connectionID})
	c.Writer.Flush()

	presenceTicker := time.NewTicker(h.presenceInterval)
	defer presenceTicker.Stop()
	reconcileTicker := time.NewTicker(h.reconcileInterval)
	defer reconcileTicker.Stop()

	var lastSyncedAt int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-presenceTicker.C:
			if err := h.presence.Heartbeat(ctx, mapID, claims.UserID, connectionID, claims.UserDisplayName, claims.UserAvatarURL); err != nil {
				continue
			}
			_ = h.presence.PurgeStale(ctx, mapID)
			users, err := h.presence.Roster(ctx, mapID)
			if err != nil {
				continue
			}
			c.SSEvent(eventPresence, gin.H{"users": users})
			c.Writer.Flush()
		case <-reconcileTicker.C:
			updatedAt, err := h.maps.UpdatedAt(ctx, mapID)
			if err != nil || updatedAt <= lastSyncedAt {
				continue
			}
			snapshot, err := h.maps.Snapshot(ctx, mapID, role)
			if err != nil {
				continue
			}
			c.SSEvent(eventDocumentSync, gin.H{
				"data":      snapshot,
				"updatedAt": snapshot.UpdatedAtSeconds,
				"scope":     snapshot.Scope,
			})
			c.Writer.Flush()
			lastSyncedAt = snapshot.UpdatedAtSeconds
		}
	}
}
