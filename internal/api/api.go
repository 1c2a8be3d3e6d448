// Package api exposes the guard over HTTP: the OneBot webhook and the admin
// REST endpoints.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-guard/internal/guard"
	"github.com/celerix-dev/celerix-guard/internal/onebot"
	"github.com/celerix-dev/celerix-guard/internal/vault"
	"github.com/celerix-dev/celerix-guard/pkg/engine"
	"github.com/celerix-dev/celerix-guard/pkg/schema"
)

// EventSink receives normalized events. *guard.Dispatcher implements it.
type EventSink interface {
	Dispatch(ctx context.Context, ev guard.Event) bool
}

// PendingLister exposes the in-flight challenges.
type PendingLister interface {
	Pending() []schema.PendingChallenge
}

type Handler struct {
	Bans    engine.BanStore
	Pending PendingLister
	Events  EventSink
	// Secret verifies webhook signatures when set.
	Secret string
	// SelfID fills in for events without self_id.
	SelfID string
	// AdminToken guards /api when set.
	AdminToken string
	Logger     *zap.Logger
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.Health)
	r.POST("/onebot/event", h.Webhook)

	admin := r.Group("/api", h.RequireToken)
	admin.GET("/pending", h.ListPending)
	admin.GET("/bans", h.ListBans)
	admin.GET("/bans/:user", h.GetBan)
	admin.POST("/bans/:user", h.AddBan)
	admin.DELETE("/bans/:user", h.RemoveBan)
}

func (h *Handler) Health(c *gin.Context) {
	pending := 0
	if h.Pending != nil {
		pending = len(h.Pending.Pending())
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "pending": pending})
}

// Webhook accepts OneBot's HTTP POST event delivery.
func (h *Handler) Webhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := vault.VerifySignature(body, c.GetHeader(vault.SignatureHeader), h.Secret); err != nil {
		h.logger().Warn("rejected webhook", zap.String("remote", c.ClientIP()), zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	ev, err := onebot.ParseEvent(body, h.SelfID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if ev.Kind != guard.KindUnknown && h.Events != nil {
		h.Events.Dispatch(c.Request.Context(), ev)
	}
	c.Status(http.StatusNoContent)
}

// RequireToken checks the admin bearer token when one is configured.
func (h *Handler) RequireToken(c *gin.Context) {
	if h.AdminToken == "" {
		c.Next()
		return
	}
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.AdminToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (h *Handler) ListPending(c *gin.Context) {
	pending := []schema.PendingChallenge{}
	if h.Pending != nil {
		pending = h.Pending.Pending()
	}
	c.JSON(http.StatusOK, pending)
}

func (h *Handler) ListBans(c *gin.Context) {
	list, err := h.Bans.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]schema.BanEntry, 0, len(list))
	for _, id := range list {
		out = append(out, schema.BanEntry{UserID: id})
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) GetBan(c *gin.Context) {
	userID := c.Param("user")
	banned, err := h.Bans.Contains(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, schema.BanStatus{UserID: userID, Banned: banned})
}

func (h *Handler) AddBan(c *gin.Context) {
	userID := c.Param("user")
	added, err := h.Bans.Add(userID)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	c.JSON(status, schema.BanStatus{UserID: userID, Banned: true, Added: added})
}

func (h *Handler) RemoveBan(c *gin.Context) {
	userID := c.Param("user")
	if err := h.Bans.Remove(userID); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, schema.BanStatus{UserID: userID, Banned: false})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrBanNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidUserID):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// AccessLog logs one line per request.
func AccessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}
