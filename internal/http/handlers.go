package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/engine"
	"github.com/fyrsmithlabs/recalld/internal/ledger"
)

// PersonaBody is the optional persona gate carried in request bodies.
// Omitting it means memory and learning are both enabled.
type PersonaBody struct {
	MemoryEnabled   bool `json:"memory_enabled"`
	LearningEnabled bool `json:"learning_enabled"`
}

func personaFrom(body *PersonaBody) engine.PersonaConfig {
	if body == nil {
		return engine.DefaultPersonaConfig()
	}
	return engine.PersonaConfig{
		MemoryEnabled:   body.MemoryEnabled,
		LearningEnabled: body.LearningEnabled,
	}
}

// StoreMemoryRequest is the request body for POST /api/v1/owners/:owner/memories.
type StoreMemoryRequest struct {
	Category   string            `json:"category"`
	Content    string            `json:"content"`
	Context    map[string]string `json:"context,omitempty"`
	Importance *float64          `json:"importance,omitempty"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	Persona    *PersonaBody      `json:"persona,omitempty"`
}

func (s *Server) handleStoreMemory(c echo.Context) error {
	var req StoreMemoryRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid store request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	importance := 1.0
	if req.Importance != nil {
		importance = *req.Importance
	}

	stored, err := s.engine.StoreMemory(c.Request().Context(), personaFrom(req.Persona), ledger.Memory{
		OwnerID:    c.Param("owner"),
		Category:   req.Category,
		Content:    req.Content,
		Context:    req.Context,
		Importance: importance,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		return s.mapError(err)
	}

	return c.JSON(http.StatusCreated, stored)
}

// SearchMemoriesRequest is the request body for POST /api/v1/owners/:owner/memories/search.
type SearchMemoriesRequest struct {
	Query         string       `json:"query"`
	Categories    []string     `json:"categories,omitempty"`
	Limit         int          `json:"limit,omitempty"`
	MinImportance float64      `json:"min_importance,omitempty"`
	Persona       *PersonaBody `json:"persona,omitempty"`
}

// MemoriesResponse wraps a list of memories.
type MemoriesResponse struct {
	Memories []ledger.Memory `json:"memories"`
}

func (s *Server) handleSearchMemories(c echo.Context) error {
	var req SearchMemoriesRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid search request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	memories, err := s.engine.Retrieve(c.Request().Context(), personaFrom(req.Persona), c.Param("owner"), req.Query, engine.RetrieveOptions{
		Categories:    req.Categories,
		Limit:         req.Limit,
		MinImportance: req.MinImportance,
	})
	if err != nil {
		return s.mapError(err)
	}

	return c.JSON(http.StatusOK, MemoriesResponse{Memories: memories})
}

// LearnRequest is the request body for POST /api/v1/owners/:owner/learn.
type LearnRequest struct {
	Turns   []engine.Turn `json:"turns"`
	Persona *PersonaBody  `json:"persona,omitempty"`
}

func (s *Server) handleLearn(c echo.Context) error {
	var req LearnRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid learn request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	learned, err := s.engine.Learn(c.Request().Context(), personaFrom(req.Persona), c.Param("owner"), req.Turns)
	if err != nil {
		return s.mapError(err)
	}

	return c.JSON(http.StatusOK, MemoriesResponse{Memories: learned})
}

// MemoryContextRequest is the request body for POST /api/v1/owners/:owner/context.
type MemoryContextRequest struct {
	Turns   []engine.Turn `json:"turns"`
	Persona *PersonaBody  `json:"persona,omitempty"`
}

// MemoryContextResponse carries the formatted memory-context string.
type MemoryContextResponse struct {
	Context string `json:"context"`
}

func (s *Server) handleMemoryContext(c echo.Context) error {
	var req MemoryContextRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid context request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	out, err := s.engine.MemoryContext(c.Request().Context(), personaFrom(req.Persona), c.Param("owner"), req.Turns)
	if err != nil {
		return s.mapError(err)
	}

	return c.JSON(http.StatusOK, MemoryContextResponse{Context: out})
}

func (s *Server) handleGetMemory(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid memory id")
	}

	m, err := s.engine.GetMemory(c.Request().Context(), id)
	if err != nil {
		return s.mapError(err)
	}

	return c.JSON(http.StatusOK, m)
}

func (s *Server) handleDeleteMemory(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid memory id")
	}

	deleted, err := s.engine.DeleteMemory(c.Request().Context(), id)
	if err != nil {
		return s.mapError(err)
	}
	if !deleted {
		return echo.NewHTTPError(http.StatusNotFound, "memory not found")
	}

	return c.NoContent(http.StatusNoContent)
}

// PurgeExpiredResponse is the response body for POST /api/v1/maintenance/purge-expired.
type PurgeExpiredResponse struct {
	Purged int `json:"purged"`
}

func (s *Server) handlePurgeExpired(c echo.Context) error {
	count, err := s.engine.PurgeExpired(c.Request().Context(), time.Now())
	if err != nil {
		return s.mapError(err)
	}

	return c.JSON(http.StatusOK, PurgeExpiredResponse{Purged: count})
}

// mapError converts engine and ledger errors to HTTP errors. Validation
// and disabled-memory errors are the caller's fault; unknown ids are
// 404; everything else is a 500.
func (s *Server) mapError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrMemoryDisabled):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrMemoryNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "memory not found")
	default:
		s.logger.Error("request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
