package hub

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/pelagiclabs/tidemark/internal/journal"
	"github.com/pelagiclabs/tidemark/internal/remote"
	"go.uber.org/zap"
)

const userIDContextKey = "tidemark_user_id"

var (
	errMissingTokenManager = errors.New("token manager dependency required")
	errMissingService      = errors.New("hub service dependency required")
)

// SessionTokenManager issues and validates the bearer tokens scoping every row.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Tokens  SessionTokenManager
	Service *Service
	Logger  *zap.Logger
}

// NewHTTPHandler builds the hub's gin handler.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}
	if deps.Service == nil {
		return nil, errMissingService
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:  deps.Tokens,
		service: deps.Service,
		logger:  logger,
	}

	router.POST("/auth/token", handler.handleIssueToken)

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.GET("/streams", handler.handleListStreams)
	protected.PUT("/streams/:id", handler.handleUpsertStream)
	protected.DELETE("/streams/:id", handler.handleDeleteStream)
	protected.GET("/locations", handler.handleListLocations)
	protected.PUT("/locations/:id", handler.handleUpsertLocation)
	protected.DELETE("/locations/:id", handler.handleDeleteLocation)
	protected.GET("/entries", handler.handleListEntries)
	protected.GET("/entries/:id", handler.handleGetEntry)
	protected.PUT("/entries/:id", handler.handleUpsertEntry)
	protected.POST("/entries/:id/cas", handler.handleCasEntry)
	protected.DELETE("/entries/:id", handler.handleDeleteEntry)
	protected.GET("/attachments", handler.handleListAttachments)
	protected.PUT("/attachments/:id", handler.handleUpsertAttachment)
	protected.DELETE("/attachments/:id", handler.handleDeleteAttachment)
	protected.GET("/changes", handler.handleChangeFeed)
	protected.POST("/assets", handler.handleUploadAsset)
	protected.GET("/assets/:ref", handler.handleDownloadAsset)
	protected.DELETE("/assets/:ref", handler.handleRemoveAsset)

	return router, nil
}

type httpHandler struct {
	tokens  SessionTokenManager
	service *Service
	logger  *zap.Logger
}

type tokenRequestPayload struct {
	UserID string `json:"user_id"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// handleIssueToken mints a session token for the named account. The hub is a
// development backend; production deployments put a real identity provider
// in front of this route.
func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID, err := journal.NewUserID(request.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), userID.String())
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	subject, err := h.tokens.ValidateToken(strings.TrimPrefix(header, prefix))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) userID(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}

// recordID validates the :id path parameter before it reaches storage.
func (h *httpHandler) recordID(c *gin.Context) (string, bool) {
	id, err := journal.NewRecordID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return "", false
	}
	return id.String(), true
}

func updatedSince(c *gin.Context) int64 {
	raw := c.Query("updated_since")
	if raw == "" {
		return 0
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return 0
	}
	return value
}

func (h *httpHandler) respondList(c *gin.Context, rows interface{}, err error) {
	if err != nil {
		h.logger.Error("list query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (h *httpHandler) respondWrite(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrRowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case err != nil:
		h.logger.Error("write failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "write_failed"})
	default:
		c.Status(http.StatusNoContent)
	}
}

func (h *httpHandler) handleListStreams(c *gin.Context) {
	rows, err := h.service.ListStreams(c.Request.Context(), h.userID(c), updatedSince(c))
	h.respondList(c, rows, err)
}

func (h *httpHandler) handleUpsertStream(c *gin.Context) {
	var row remote.StreamRow
	if err := c.ShouldBindJSON(&row); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	id, ok := h.recordID(c)
	if !ok {
		return
	}
	row.ID = id
	h.respondWrite(c, h.service.UpsertStream(c.Request.Context(), h.userID(c), row))
}

func (h *httpHandler) handleDeleteStream(c *gin.Context) {
	h.respondWrite(c, h.service.DeleteStream(c.Request.Context(), h.userID(c), c.Param("id")))
}

func (h *httpHandler) handleListLocations(c *gin.Context) {
	rows, err := h.service.ListLocations(c.Request.Context(), h.userID(c), updatedSince(c))
	h.respondList(c, rows, err)
}

func (h *httpHandler) handleUpsertLocation(c *gin.Context) {
	var row remote.LocationRow
	if err := c.ShouldBindJSON(&row); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	id, ok := h.recordID(c)
	if !ok {
		return
	}
	row.ID = id
	h.respondWrite(c, h.service.UpsertLocation(c.Request.Context(), h.userID(c), row))
}

func (h *httpHandler) handleDeleteLocation(c *gin.Context) {
	h.respondWrite(c, h.service.SoftDeleteLocation(c.Request.Context(), h.userID(c), c.Param("id")))
}

func (h *httpHandler) handleListEntries(c *gin.Context) {
	rows, err := h.service.ListEntries(c.Request.Context(), h.userID(c), updatedSince(c))
	h.respondList(c, rows, err)
}

func (h *httpHandler) handleGetEntry(c *gin.Context) {
	row, err := h.service.GetEntry(c.Request.Context(), h.userID(c), c.Param("id"))
	if errors.Is(err, ErrRowNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("entry fetch failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	c.JSON(http.StatusOK, row)
}

type upsertEntryResponse struct {
	Version int64 `json:"version"`
}

func (h *httpHandler) handleUpsertEntry(c *gin.Context) {
	var row remote.EntryRow
	if err := c.ShouldBindJSON(&row); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	id, ok := h.recordID(c)
	if !ok {
		return
	}
	row.ID = id
	version, err := h.service.UpsertEntry(c.Request.Context(), h.userID(c), row)
	if err != nil {
		h.logger.Error("entry upsert failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "write_failed"})
		return
	}
	c.JSON(http.StatusOK, upsertEntryResponse{Version: version})
}

type casEntryRequest struct {
	Row         remote.EntryRow `json:"row"`
	BaseVersion int64           `json:"base_version"`
}

type casEntryResponse struct {
	Affected bool  `json:"affected"`
	Version  int64 `json:"version"`
}

func (h *httpHandler) handleCasEntry(c *gin.Context) {
	var request casEntryRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	id, ok := h.recordID(c)
	if !ok {
		return
	}
	request.Row.ID = id
	affected, version, err := h.service.CasEntry(c.Request.Context(), h.userID(c), request.Row, request.BaseVersion)
	if err != nil {
		h.logger.Error("entry conditional update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "write_failed"})
		return
	}
	c.JSON(http.StatusOK, casEntryResponse{Affected: affected, Version: version})
}

func (h *httpHandler) handleDeleteEntry(c *gin.Context) {
	h.respondWrite(c, h.service.SoftDeleteEntry(c.Request.Context(), h.userID(c), c.Param("id")))
}

func (h *httpHandler) handleListAttachments(c *gin.Context) {
	rows, err := h.service.ListAttachments(c.Request.Context(), h.userID(c), updatedSince(c))
	h.respondList(c, rows, err)
}

func (h *httpHandler) handleUpsertAttachment(c *gin.Context) {
	var row remote.AttachmentRow
	if err := c.ShouldBindJSON(&row); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	id, ok := h.recordID(c)
	if !ok {
		return
	}
	row.ID = id
	h.respondWrite(c, h.service.UpsertAttachment(c.Request.Context(), h.userID(c), row))
}

func (h *httpHandler) handleDeleteAttachment(c *gin.Context) {
	h.respondWrite(c, h.service.DeleteAttachment(c.Request.Context(), h.userID(c), c.Param("id")))
}

// handleChangeFeed streams change messages for the account as server-sent
// events until the client disconnects.
func (h *httpHandler) handleChangeFeed(c *gin.Context) {
	events, cleanup := h.service.Dispatcher().Subscribe(c.Request.Context(), h.userID(c))
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent("change", event)
			return true
		}
	})
}

type uploadAssetResponse struct {
	Ref string `json:"ref"`
}

func (h *httpHandler) handleUploadAsset(c *gin.Context) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ref, err := h.service.SaveAsset(c.Request.Context(), h.userID(c), data)
	if err != nil {
		h.logger.Error("asset save failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "write_failed"})
		return
	}
	c.JSON(http.StatusOK, uploadAssetResponse{Ref: ref})
}

func (h *httpHandler) handleDownloadAsset(c *gin.Context) {
	data, err := h.service.LoadAsset(c.Request.Context(), h.userID(c), c.Param("ref"))
	if errors.Is(err, ErrRowNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("asset load failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func (h *httpHandler) handleRemoveAsset(c *gin.Context) {
	if err := h.service.RemoveAsset(c.Request.Context(), h.userID(c), c.Param("ref")); err != nil {
		h.logger.Error("asset remove failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "write_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}
