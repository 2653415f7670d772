package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/vanish/internal/notes"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	healthCheckTimeout       = 2 * time.Second
	viewPath                 = "/view.html?code="
	allocationRetryAfter     = "1"
	maxCreateBodyBytes       = 16 << 10
)

var (
	errMissingNotesService = errors.New("notes service dependency required")
	errMissingRealtime     = errors.New("realtime dispatcher dependency required")
	errUnknownPlatform     = errors.New("unknown trusted platform")
)

// Dependencies wires the HTTP handler. Forwarding headers identify the client
// only when sent by one of TrustedProxies or, for TrustedPlatform, by the
// named hosting platform.
type Dependencies struct {
	NotesService      *notes.Service
	Realtime          *RealtimeDispatcher
	RateLimiter       *RateLimiter
	RateLimits        RateLimits
	BaseURL           string
	TrustedProxies    []string
	TrustedPlatform   string
	Clock             func() time.Time
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.NotesService == nil {
		return nil, errMissingNotesService
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	if err := router.SetTrustedProxies(deps.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	platformHeader, err := trustedPlatformHeader(deps.TrustedPlatform)
	if err != nil {
		return nil, err
	}
	router.TrustedPlatform = platformHeader
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware())

	handler := &httpHandler{
		notesService: deps.NotesService,
		realtime:     deps.Realtime,
		baseURL:      strings.TrimRight(deps.BaseURL, "/"),
		clock:        clock,
		heartbeat:    heartbeat,
		logger:       logger,
	}

	limits := deps.RateLimits
	createLimit := rateLimit(deps.RateLimiter, "create", limits.CreateLimit, limits.CreateWindow)
	// Every route that reveals whether a code exists draws on the fetch budget.
	fetchLimit := rateLimit(deps.RateLimiter, "fetch", limits.FetchLimit, limits.FetchWindow)

	router.GET("/healthz", handler.handleHealth)
	router.POST("/notes", createLimit, handler.handleCreateNote)
	router.GET("/notes/:code", fetchLimit, handler.handleFetchNote)
	router.DELETE("/notes/:code", fetchLimit, handler.handleRevokeNote)
	router.GET("/notes/:code/events", fetchLimit, handler.handleNoteEvents)

	return router, nil
}

type httpHandler struct {
	notesService *notes.Service
	realtime     *RealtimeDispatcher
	baseURL      string
	clock        func() time.Time
	heartbeat    time.Duration
	logger       *zap.Logger
}

type createRequestPayload struct {
	Content         string `json:"content"`
	LifetimeMinutes int    `json:"lifetime_minutes"`
}

type createResponsePayload struct {
	Code       string    `json:"code"`
	Link       string    `json:"link"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	OwnerToken string    `json:"owner_token,omitempty"`
}

type noteResponsePayload struct {
	Code             string    `json:"code"`
	Content          string    `json:"content"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	RemainingSeconds int64     `json:"remaining_s"`
	Remaining        string    `json:"remaining"`
}

type goneEventPayload struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
	At     int64  `json:"at_s"`
}

type heartbeatEventPayload struct {
	At int64 `json:"at_s"`
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxCreateBodyBytes)

	var request createRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	created, err := h.notesService.Create(c.Request.Context(), request.Content, request.LifetimeMinutes)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, createResponsePayload{
		Code:       created.Note.Code,
		Link:       h.shareLink(created.Note.Code),
		CreatedAt:  created.Note.CreatedAt,
		ExpiresAt:  created.Note.ExpiresAt,
		OwnerToken: created.OwnerToken,
	})
}

func (h *httpHandler) handleFetchNote(c *gin.Context) {
	note, err := h.notesService.Fetch(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	now := h.clock()
	remaining, _ := notes.TimeRemaining(note.ExpiresAt, now)
	c.JSON(http.StatusOK, noteResponsePayload{
		Code:             note.Code,
		Content:          note.Content,
		CreatedAt:        note.CreatedAt,
		ExpiresAt:        note.ExpiresAt,
		RemainingSeconds: int64(remaining / time.Second),
		Remaining:        notes.FormatRemaining(note.ExpiresAt, now),
	})
}

func (h *httpHandler) handleRevokeNote(c *gin.Context) {
	token, ok := bearerToken(c.GetHeader("Authorization"))
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err := h.notesService.Revoke(c.Request.Context(), c.Param("code"), token); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleNoteEvents streams a note-gone event when the note is deleted or
// reaches its expiry, with heartbeats in between.
func (h *httpHandler) handleNoteEvents(c *gin.Context) {
	note, err := h.notesService.Fetch(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	messages, cleanup := h.realtime.Subscribe(ctx, note.Code)
	defer cleanup()

	remaining, _ := notes.TimeRemaining(note.ExpiresAt, h.clock())
	expiry := time.NewTimer(remaining)
	defer expiry.Stop()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent(realtimeEventHeartbeat, heartbeatEventPayload{At: h.clock().Unix()})
	c.Writer.Flush()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-messages:
			if !ok {
				return false
			}
			c.SSEvent(RealtimeEventNoteGone, goneEventPayload{
				Code:   message.Code,
				Reason: string(message.Reason),
				At:     message.Timestamp.Unix(),
			})
			return false
		case <-expiry.C:
			c.SSEvent(RealtimeEventNoteGone, goneEventPayload{
				Code:   note.Code,
				Reason: string(notes.GoneExpired),
				At:     h.clock().Unix(),
			})
			return false
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatEventPayload{At: h.clock().Unix()})
			return true
		}
	})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()
	if err := h.notesService.Ping(ctx); err != nil {
		h.logger.Warn("store health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, notes.ErrInvalidContent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_content"})
	case errors.Is(err, notes.ErrInvalidLifetime):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_lifetime"})
	case errors.Is(err, notes.ErrInvalidCode):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_code"})
	case errors.Is(err, notes.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, notes.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "note_unavailable"})
	case errors.Is(err, notes.ErrAllocationExhausted):
		c.Header("Retry-After", allocationRetryAfter)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "allocation_exhausted"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.AbortWithStatus(http.StatusRequestTimeout)
	default:
		var serviceErr *notes.ServiceError
		if errors.As(err, &serviceErr) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "code": serviceErr.Code()})
			return
		}
		h.logger.Error("unhandled notes error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func (h *httpHandler) shareLink(code string) string {
	return h.baseURL + viewPath + code
}

func trustedPlatformHeader(platform string) (string, error) {
	switch platform {
	case "":
		return "", nil
	case "cloudflare":
		return gin.PlatformCloudflare, nil
	case "google-app-engine":
		return gin.PlatformGoogleAppEngine, nil
	default:
		return "", fmt.Errorf("%w: %s", errUnknownPlatform, platform)
	}
}

func bearerToken(header string) (string, bool) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return token, token != ""
}
