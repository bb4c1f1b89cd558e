package server

import (
	"context"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-vary-cache/health"
	"github.com/saiset-co/sai-vary-cache/types"
)

type entriesResponse struct {
	ID      string        `json:"id"`
	Hit     bool          `json:"hit"`
	Entries []types.Entry `json:"entries"`
}

type cleanupResponse struct {
	ID     string              `json:"id"`
	Result types.CleanupResult `json:"result"`
	Error  string              `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// RegisterStoreRoutes mounts the store maintenance API:
//
//	GET    /resources/{id}          entries matching the query arguments
//	DELETE /resources/{id}          every variant of the resource
//	POST   /resources/{id}/cleanup  reconcile the indices of one resource
//	POST   /sweep                   reconcile every resource
func (s *AdminServer) RegisterStoreRoutes(store types.VariantStore) {
	timeout := s.config.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	h := &storeHandlers{
		ctx:     s.ctx,
		store:   store,
		logger:  s.logger,
		timeout: timeout,
	}

	s.Handle(fasthttp.MethodGet, "/resources/{id}", h.handleGet)
	s.Handle(fasthttp.MethodDelete, "/resources/{id}", h.handleDelete)
	s.Handle(fasthttp.MethodPost, "/resources/{id}/cleanup", h.handleCleanup)
	s.Handle(fasthttp.MethodPost, "/sweep", h.handleSweep)
}

// RegisterHealthRoutes mounts GET /healthz and GET /version.
func (s *AdminServer) RegisterHealthRoutes(hm *health.Manager) {
	s.Handle(fasthttp.MethodGet, "/healthz", hm.HandleHealth)
	s.Handle(fasthttp.MethodGet, "/version", hm.HandleVersion)
}

// RegisterMetricsRoute mounts GET /metrics in the exposition format of the
// metrics backend.
func (s *AdminServer) RegisterMetricsRoute(metrics types.MetricsManager) {
	s.Handle(fasthttp.MethodGet, "/metrics", fasthttpadaptor.NewFastHTTPHandler(metrics.Handler()))
}

// RegisterJobRoutes mounts GET /jobs listing the scheduled jobs.
func (s *AdminServer) RegisterJobRoutes(cron types.CronManager) {
	s.Handle(fasthttp.MethodGet, "/jobs", func(ctx *fasthttp.RequestCtx) {
		writeJSON(ctx, s.logger, fasthttp.StatusOK, cron.Jobs())
	})
}

type storeHandlers struct {
	ctx     context.Context
	store   types.VariantStore
	logger  types.Logger
	timeout time.Duration
}

func (h *storeHandlers) handleGet(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("id").(string)

	params := make(types.Params)
	ctx.QueryArgs().VisitAll(func(key, value []byte) {
		params[string(key)] = string(value)
	})

	opCtx, cancel := context.WithTimeout(h.ctx, h.timeout)
	defer cancel()

	entries, err := h.store.Get(opCtx, id, params)
	if err != nil {
		h.writeError(ctx, err)
		return
	}

	if entries == nil {
		entries = []types.Entry{}
	}

	writeJSON(ctx, h.logger, fasthttp.StatusOK, entriesResponse{
		ID:      id,
		Hit:     len(entries) > 0,
		Entries: entries,
	})
}

func (h *storeHandlers) handleDelete(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("id").(string)

	opCtx, cancel := context.WithTimeout(h.ctx, h.timeout)
	defer cancel()

	if err := h.store.Delete(opCtx, id); err != nil {
		h.writeError(ctx, err)
		return
	}

	h.logger.Info("Resource deleted through admin API", zap.String("id", id))
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (h *storeHandlers) handleCleanup(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("id").(string)

	cleaner, ok := h.store.(types.Cleaner)
	if !ok {
		h.writeError(ctx, types.ErrCleanupNotSupported)
		return
	}

	opCtx, cancel := context.WithTimeout(h.ctx, h.timeout)
	defer cancel()

	result, err := cleaner.Cleanup(opCtx, id)
	switch {
	case types.IsError(err, types.ErrCleanupPremature):
		writeJSON(ctx, h.logger, fasthttp.StatusConflict, cleanupResponse{ID: id, Result: result, Error: err.Error()})
	case err != nil:
		h.writeError(ctx, err)
	default:
		writeJSON(ctx, h.logger, fasthttp.StatusOK, cleanupResponse{ID: id, Result: result})
	}
}

func (h *storeHandlers) handleSweep(ctx *fasthttp.RequestCtx) {
	sweeper, ok := h.store.(types.Sweeper)
	if !ok {
		h.writeError(ctx, types.ErrSweepNotSupported)
		return
	}

	opCtx, cancel := context.WithTimeout(h.ctx, h.timeout)
	defer cancel()

	result, err := sweeper.Sweep(opCtx)
	if err != nil {
		h.writeError(ctx, err)
		return
	}

	writeJSON(ctx, h.logger, fasthttp.StatusOK, result)
}

func (h *storeHandlers) writeError(ctx *fasthttp.RequestCtx, err error) {
	status := fasthttp.StatusInternalServerError

	switch {
	case types.IsError(err, types.ErrSweepNotSupported), types.IsError(err, types.ErrCleanupNotSupported):
		status = fasthttp.StatusNotImplemented
	case types.IsError(err, types.ErrStoreClosed):
		status = fasthttp.StatusServiceUnavailable
	case types.IsError(err, types.ErrResourceIDEmpty):
		status = fasthttp.StatusBadRequest
	case types.IsError(err, context.DeadlineExceeded):
		status = fasthttp.StatusGatewayTimeout
	}

	if status >= fasthttp.StatusInternalServerError {
		h.logger.Error("Admin request failed",
			zap.ByteString("path", ctx.Path()),
			zap.Error(err))
	}

	writeJSON(ctx, h.logger, status, errorResponse{Error: err.Error()})
}
