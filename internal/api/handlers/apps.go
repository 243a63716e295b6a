package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dkovacs/passage/internal/apps"
	"github.com/dkovacs/passage/internal/crypto"
)

// AppsHandler serves the registered-application endpoints.
type AppsHandler struct {
	store      *apps.Store
	jwtManager *crypto.JWTManager
}

// NewAppsHandler builds the handler.
func NewAppsHandler(store *apps.Store, jwtManager *crypto.JWTManager) *AppsHandler {
	return &AppsHandler{store: store, jwtManager: jwtManager}
}

type createAppRequest struct {
	Name    string   `json:"name" binding:"required"`
	Domains []string `json:"domains"`
	LogoURL string   `json:"logoUrl"`
}

// CreateApp handles POST /v1/apps. The client secret appears only in this
// response; it is stored hashed.
func (h *AppsHandler) CreateApp(c *gin.Context) {
	var req createAppRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	app, secret, err := h.store.Create(c.Request.Context(), req.Name, req.Domains, req.LogoURL)
	if err != nil {
		if errors.Is(err, apps.ErrNameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "application name already registered"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create application"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"app": app, "clientSecret": secret})
}

// ListApps handles GET /v1/apps.
func (h *AppsHandler) ListApps(c *gin.Context) {
	list, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list applications"})
		return
	}
	if list == nil {
		list = []apps.App{}
	}
	c.JSON(http.StatusOK, gin.H{"apps": list})
}

// GetApp handles GET /v1/apps/:id.
func (h *AppsHandler) GetApp(c *gin.Context) {
	app, err := h.store.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, apps.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "application not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load application"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"app": app})
}

// DeleteApp handles DELETE /v1/apps/:id.
func (h *AppsHandler) DeleteApp(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete application"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type setStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// SetStatus handles POST /v1/apps/:id/status.
func (h *AppsHandler) SetStatus(c *gin.Context) {
	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.store.SetStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		if errors.Is(err, apps.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "application not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type tokenRequest struct {
	ClientID     string `json:"clientId" binding:"required"`
	ClientSecret string `json:"clientSecret" binding:"required"`
}

// PostToken handles POST /v1/apps/token: client credentials in, relay
// token out.
func (h *AppsHandler) PostToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	app, err := h.store.Authenticate(c.Request.Context(), req.ClientID, req.ClientSecret)
	if err != nil {
		if errors.Is(err, apps.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid client credentials"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to authenticate"})
		return
	}

	token, err := h.jwtManager.CreateAppToken(app.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"expiresIn": int64(h.jwtManager.Expiry().Seconds()),
	})
}
