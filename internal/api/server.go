package api

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/module"
)

// NamedSnapshots is the subdirectory of the snapshot directory holding
// snapshots saved under a name.
const NamedSnapshots = "snapshots"

// MaxGenerate bounds the number of posts one generate request may ask for.
const MaxGenerate = 4096

type Server struct {
	module      *module.Module
	snapshotDir string
	log         logger.Logger
}

type ServerConfig struct {
	// SnapshotDir is the only tree save requests write to. Empty disables
	// saving over HTTP.
	SnapshotDir string
	Logger      logger.Logger
}

func NewServer(m *module.Module, cfg ServerConfig) *Server {
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		module:      m,
		snapshotDir: cfg.SnapshotDir,
		log:         log.With("component", "api"),
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/generate", s.handleGenerate)
	e.POST("/v1/fit/posts", s.handleFitPosts)
	e.POST("/v1/fit/scores", s.handleFitScores)
	e.POST("/v1/step", s.handleStep)
	e.GET("/v1/metrics", s.handleMetrics)
	e.GET("/v1/config", s.handleGetConfig)
	e.PATCH("/v1/config", s.handlePatchConfig)
	e.POST("/v1/save", s.handleSave)
}

func (s *Server) status() StatusResponse {
	return StatusResponse{Epoch: s.module.Epoch(), Pending: s.module.Pending()}
}

func (s *Server) handleGenerate(c *echo.Context) error {
	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.N < 0 || req.N > MaxGenerate {
		return writeBadRequest(c, fmt.Sprintf("n must be between 0 and %d", MaxGenerate))
	}
	stream, err := NewNDJSONStreamWriter(c)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	ctx := c.Request().Context()
	for g, err := range s.module.Generate(ctx, req.N) {
		if err != nil {
			s.log.Warn("generate failed", "error", err, "sent", stream.Lines())
			if !stream.Started() {
				return writeModuleError(c, err)
			}
			return stream.Failed(err)
		}
		if err := stream.Send(g); err != nil {
			// Client went away; the remaining posts are abandoned.
			return nil
		}
	}
	if !stream.Started() {
		return c.NoContent(http.StatusOK)
	}
	return nil
}

func (s *Server) handleFitPosts(c *echo.Context) error {
	req, err := decodeJSON[FitPostsRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if err := s.module.FitPosts(c.Request().Context(), req.Posts); err != nil {
		return writeModuleError(c, err)
	}
	return c.JSON(http.StatusOK, s.status())
}

func (s *Server) handleFitScores(c *echo.Context) error {
	req, err := decodeJSON[FitScoresRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if err := s.module.FitScores(c.Request().Context(), req.Scores); err != nil {
		return writeModuleError(c, err)
	}
	return c.JSON(http.StatusOK, s.status())
}

func (s *Server) handleStep(c *echo.Context) error {
	if err := s.module.Step(c.Request().Context()); err != nil {
		return writeModuleError(c, err)
	}
	return c.JSON(http.StatusOK, s.status())
}

func (s *Server) handleMetrics(c *echo.Context) error {
	return c.JSON(http.StatusOK, MetricsResponse{Object: "list", Data: s.module.Metrics()})
}

func (s *Server) handleGetConfig(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.module.Config())
}

func (s *Server) handlePatchConfig(c *echo.Context) error {
	req, err := decodeJSON[module.Settings](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if err := s.module.Configure(c.Request().Context(), req); err != nil {
		return writeModuleError(c, err)
	}
	return c.JSON(http.StatusOK, s.module.Config())
}

func (s *Server) handleSave(c *echo.Context) error {
	req, err := decodeJSON[SaveRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	dir, err := s.saveDir(req.Name)
	if err != nil {
		return writeModuleError(c, err)
	}
	if err := s.module.Save(c.Request().Context(), dir); err != nil {
		return writeModuleError(c, err)
	}
	return c.JSON(http.StatusOK, SaveResponse{Dir: dir, Epoch: s.module.Epoch()})
}

// saveDir resolves a save target inside the configured snapshot directory.
// An empty name is the snapshot directory itself; other names must be a
// single local path element and land under its snapshots/ subdirectory.
func (s *Server) saveDir(name string) (string, error) {
	if s.snapshotDir == "" {
		return "", newInvalidRequest("saving is disabled: no snapshot directory configured")
	}
	if name == "" {
		return s.snapshotDir, nil
	}
	if !filepath.IsLocal(name) || name == "." || strings.ContainsAny(name, `/\`) {
		return "", newInvalidRequest(fmt.Sprintf("invalid snapshot name %q: must be a single relative path element", name))
	}
	return filepath.Join(s.snapshotDir, NamedSnapshots, name), nil
}
