// Package api exposes the engine over HTTP: one-shot generation, candidate
// fetches, and interactive beam trees keyed by id. Handlers translate wire
// requests into engine calls and engine errors into status codes; no
// generation logic lives here.
package api

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/loomkit/loom/internal/beam"
	"github.com/loomkit/loom/internal/logger"
	"github.com/loomkit/loom/internal/provider"
	"github.com/loomkit/loom/internal/session"
	"github.com/loomkit/loom/internal/sink"
)

// Server holds the registry and the live interactive trees.
type Server struct {
	registry *provider.Registry
	out      sink.Sink
	log      logger.Logger

	mu    sync.RWMutex
	trees map[string]*treeHandle
}

type treeHandle struct {
	controller *beam.Controller
	modelID    string
	prompt     string
}

// ServerConfig wires a server. Sink and Logger may be nil.
type ServerConfig struct {
	Registry *provider.Registry
	Sink     sink.Sink
	Logger   logger.Logger
}

func NewServer(cfg ServerConfig) *Server {
	return &Server{
		registry: cfg.Registry,
		out:      sink.Or(cfg.Sink),
		log:      logger.Or(cfg.Logger),
		trees:    make(map[string]*treeHandle),
	}
}

// Register attaches every route to e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/models", s.handleListModels)
	e.POST("/v1/generate", s.handleGenerate)
	e.POST("/v1/candidates", s.handleCandidates)
	e.POST("/v1/trees", s.handleCreateTree)
	e.GET("/v1/trees/:id", s.handleGetTree)
	e.POST("/v1/trees/:id/root", s.handleTreeRoot)
	e.POST("/v1/trees/:id/candidates", s.handleTreeCandidates)
	e.POST("/v1/trees/:id/expand", s.handleTreeExpand)
	e.POST("/v1/trees/:id/beamout", s.handleTreeBeamOut)
	e.POST("/v1/trees/:id/continue", s.handleTreeContinue)
	e.POST("/v1/trees/:id/prune", s.handleTreePrune)
	e.POST("/v1/trees/:id/accept", s.handleTreeAccept)
}

func (s *Server) handleListModels(c *echo.Context) error {
	models := s.registry.Models()
	data := make([]map[string]any, 0, len(models))
	for _, id := range models {
		data = append(data, map[string]any{"id": id, "object": "model"})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}

func (s *Server) handleGenerate(c *echo.Context) error {
	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Model == "" || req.Prompt == "" {
		return writeBadRequest(c, "model and prompt are required")
	}
	sess, err := s.newSession(req.Model, req.Prompt, req.PromptRef, req.Prefill, req.Params)
	if err != nil {
		return writeEngineError(c, err)
	}
	state, err := sess.Generate(c.Request().Context())
	if err != nil {
		return writeEngineError(c, err)
	}
	if err := s.out.Publish(sink.Event{Type: sink.EventCompletion, State: state, At: time.Now().UTC()}); err != nil {
		s.log.Warn("sink rejected completion", "error", err)
	}
	return c.JSON(http.StatusOK, toCompletionDTO(state))
}

func (s *Server) handleCandidates(c *echo.Context) error {
	req, err := decodeJSON[CandidatesRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Model == "" || req.Prompt == "" {
		return writeBadRequest(c, "model and prompt are required")
	}
	sess, err := s.newSession(req.Model, req.Prompt, req.PromptRef, req.Prefill, req.Params)
	if err != nil {
		return writeEngineError(c, err)
	}
	cands, err := sess.CandidatesAt(c.Request().Context(), fromTokenDTOs(req.Prefix), req.K)
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"candidates": toTokenDTOList(cands),
	})
}

func (s *Server) handleCreateTree(c *echo.Context) error {
	req, err := decodeJSON[CreateTreeRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Model == "" || req.Prompt == "" {
		return writeBadRequest(c, "model and prompt are required")
	}
	sess, err := s.newSession(req.Model, req.Prompt, req.PromptRef, req.Prefill, req.Params)
	if err != nil {
		return writeEngineError(c, err)
	}
	controller := beam.NewController(beam.ControllerConfig{
		Session: sess,
		Sink:    s.out,
		Logger:  s.log,
	})
	handle := &treeHandle{controller: controller, modelID: req.Model, prompt: req.Prompt}

	s.mu.Lock()
	s.trees[controller.Tree().ID()] = handle
	s.mu.Unlock()

	s.log.Info("opened beam tree", "tree", controller.Tree().ID(), "model", req.Model)
	return c.JSON(http.StatusCreated, s.treeDTO(handle))
}

func (s *Server) handleGetTree(c *echo.Context) error {
	handle, err := s.tree(c.Param("id"))
	if err != nil {
		return writeNotFound(c, err.Error())
	}
	return c.JSON(http.StatusOK, s.treeDTO(handle))
}

func (s *Server) handleTreeRoot(c *echo.Context) error {
	handle, err := s.tree(c.Param("id"))
	if err != nil {
		return writeNotFound(c, err.Error())
	}
	node, err := handle.controller.GenerateRoot(c.Request().Context())
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, toNodeDTO(node))
}

func (s *Server) handleTreeCandidates(c *echo.Context) error {
	handle, err := s.tree(c.Param("id"))
	if err != nil {
		return writeNotFound(c, err.Error())
	}
	req, err := decodeJSON[TreeCandidatesRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	cands, err := handle.controller.FetchCandidates(c.Request().Context(), req.NodeID, req.Offset, req.K)
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"candidates": toTokenDTOList(cands),
	})
}

func (s *Server) handleTreeExpand(c *echo.Context) error {
	handle, err := s.tree(c.Param("id"))
	if err != nil {
		return writeNotFound(c, err.Error())
	}
	req, err := decodeJSON[ExpandRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	var node *beam.Node
	switch {
	case req.Token != nil:
		tok := fromTokenDTOs([]TokenDTO{*req.Token}).At(0)
		node, err = handle.controller.ExpandWithToken(c.Request().Context(), req.NodeID, req.Offset, tok)
	case req.Resample:
		node, err = handle.controller.ExpandResample(c.Request().Context(), req.NodeID, req.Offset)
	default:
		return writeBadRequest(c, "either token or resample is required")
	}
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, toNodeDTO(node))
}

func (s *Server) handleTreeBeamOut(c *echo.Context) error {
	handle, err := s.tree(c.Param("id"))
	if err != nil {
		return writeNotFound(c, err.Error())
	}
	req, err := decodeJSON[BeamOutRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Width < 1 {
		return writeBadRequest(c, "width must be at least 1")
	}
	nodes, err := handle.controller.BeamOutOneLevel(c.Request().Context(), req.NodeID, req.Offset, req.Width)
	if err != nil {
		return writeEngineError(c, err)
	}
	dtos := make([]NodeDTO, len(nodes))
	for i, n := range nodes {
		dtos[i] = toNodeDTO(n)
	}
	return c.JSON(http.StatusOK, map[string]any{"nodes": dtos})
}

func (s *Server) handleTreeContinue(c *echo.Context) error {
	handle, err := s.tree(c.Param("id"))
	if err != nil {
		return writeNotFound(c, err.Error())
	}
	req, err := decodeJSON[NodeRefRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	node, err := handle.controller.ContinueNode(c.Request().Context(), req.NodeID)
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, toNodeDTO(node))
}

func (s *Server) handleTreePrune(c *echo.Context) error {
	return s.handleNodeMark(c, func(h *treeHandle, nodeID string) error {
		return h.controller.Prune(nodeID)
	})
}

func (s *Server) handleTreeAccept(c *echo.Context) error {
	return s.handleNodeMark(c, func(h *treeHandle, nodeID string) error {
		return h.controller.Accept(nodeID)
	})
}

func (s *Server) handleNodeMark(c *echo.Context, mark func(*treeHandle, string) error) error {
	handle, err := s.tree(c.Param("id"))
	if err != nil {
		return writeNotFound(c, err.Error())
	}
	req, err := decodeJSON[NodeRefRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if err := mark(handle, req.NodeID); err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, s.treeDTO(handle))
}

func (s *Server) newSession(model, prompt, promptRef string, prefill []TokenDTO, params ParamsDTO) (*session.Session, error) {
	return session.New(s.registry, session.Config{
		ModelID:   model,
		PromptRef: promptRef,
		Prompt:    prompt,
		Prefill:   fromTokenDTOs(prefill),
		Params:    fromParamsDTO(params),
		Logger:    s.log,
	})
}

func (s *Server) tree(id string) (*treeHandle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	handle, ok := s.trees[id]
	if !ok {
		return nil, errors.New("unknown tree: " + id)
	}
	return handle, nil
}

func (s *Server) treeDTO(handle *treeHandle) TreeDTO {
	tree := handle.controller.Tree()
	nodes := tree.AllNodes()
	dtos := make([]NodeDTO, len(nodes))
	for i, n := range nodes {
		dtos[i] = toNodeDTO(n)
	}
	return TreeDTO{
		ID:      tree.ID(),
		ModelID: handle.modelID,
		Prompt:  handle.prompt,
		Nodes:   dtos,
	}
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
