package server

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-vary-cache/types"
	"github.com/saiset-co/sai-vary-cache/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

type route struct {
	method     string
	pattern    string
	segments   []string
	paramNames []string
	handler    fasthttp.RequestHandler
}

// AdminServer exposes metrics, health and store maintenance over HTTP.
// Patterns are matched segment by segment against the raw request path;
// "{name}" and ":name" segments bind unescaped path parameters readable with
// ctx.UserValue(name), so "%2F" can carry a slash inside a parameter.
type AdminServer struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	metrics         types.MetricsManager
	config          *types.AdminConfig
	server          *fasthttp.Server
	listener        net.Listener
	state           atomic.Value
	shutdownTimeout time.Duration
	staticRoutes    map[string]*route
	routes          []*route
	routingMu       sync.RWMutex
}

func NewAdminServer(ctx context.Context, config *types.AdminConfig, logger types.Logger, metrics types.MetricsManager) (*AdminServer, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	serverCtx, cancel := context.WithCancel(ctx)

	shutdownTimeout := config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}

	server := &AdminServer{
		ctx:             serverCtx,
		cancel:          cancel,
		logger:          logger,
		metrics:         metrics,
		config:          config,
		shutdownTimeout: shutdownTimeout,
		staticRoutes:    make(map[string]*route),
	}

	server.state.Store(StateStopped)

	return server, nil
}

// Handle registers handler for method and pattern. Later registrations of
// the same static route replace earlier ones.
func (s *AdminServer) Handle(method, pattern string, handler fasthttp.RequestHandler) {
	r := &route{
		method:     strings.ToUpper(method),
		pattern:    pattern,
		segments:   parsePathSegments(pattern),
		paramNames: extractParamNames(pattern),
		handler:    handler,
	}

	s.routingMu.Lock()
	defer s.routingMu.Unlock()

	if len(r.paramNames) == 0 {
		s.staticRoutes[r.method+":"+normalizePath(pattern)] = r
		return
	}

	s.routes = append(s.routes, r)
}

func (s *AdminServer) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.setState(StateStopped)
		return types.WrapError(err, "admin listener failed")
	}

	s.serve(listener)

	s.logger.Info("Admin server started successfully", zap.String("address", listener.Addr().String()))

	return nil
}

func (s *AdminServer) serve(listener net.Listener) {
	s.listener = listener
	s.server = &fasthttp.Server{
		Handler:               s.Handler(),
		Name:                  "varycache-admin",
		ReadTimeout:           s.config.ReadTimeout,
		WriteTimeout:          s.config.WriteTimeout,
		IdleTimeout:           s.config.IdleTimeout,
		CloseOnShutdown:       true,
		NoDefaultServerHeader: true,
	}

	s.setState(StateRunning)

	go func() {
		if err := s.server.Serve(listener); err != nil {
			s.logger.Error("Admin server failed", zap.Error(err))
			s.setState(StateStopped)
		}
	}()
}

// Addr is the address the server listens on, or "" when it is not running.
func (s *AdminServer) Addr() string {
	if s.listener == nil || !s.IsRunning() {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *AdminServer) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		s.setState(StateStopped)
		s.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.server.ShutdownWithContext(gCtx)
	})

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			s.logger.Warn("Admin server stop timeout, some connections may not have closed gracefully")
		default:
			s.logger.Error("Error during admin server shutdown", zap.Error(err))
		}
		return err
	}

	s.logger.Info("Admin server stopped gracefully")
	return nil
}

func (s *AdminServer) IsRunning() bool {
	return s.getState() == StateRunning
}

// Handler is the full request pipeline: panic recovery, request logging and
// response compression around the router.
func (s *AdminServer) Handler() fasthttp.RequestHandler {
	return Chain(s.dispatch,
		Recovery(s.logger, s.metrics),
		Logging(s.logger),
		Compression(s.logger, s.config.CompressionThreshold),
	)
}

// dispatch routes to the registered handlers and counts requests.
func (s *AdminServer) dispatch(ctx *fasthttp.RequestCtx) {
	r, params := s.findRoute(string(ctx.Method()), string(ctx.URI().PathOriginal()))
	if r == nil {
		ctx.Error("Not found", fasthttp.StatusNotFound)
		s.recordRequest("unmatched", ctx.Response.StatusCode())
		return
	}

	for name, value := range params {
		ctx.SetUserValue(name, value)
	}

	r.handler(ctx)
	s.recordRequest(r.pattern, ctx.Response.StatusCode())
}

func (s *AdminServer) findRoute(method, path string) (*route, map[string]string) {
	method = strings.ToUpper(method)
	if method == fasthttp.MethodHead {
		method = fasthttp.MethodGet
	}

	path = normalizePath(path)

	s.routingMu.RLock()
	defer s.routingMu.RUnlock()

	if r, ok := s.staticRoutes[method+":"+path]; ok {
		return r, nil
	}

	pathSegments := parsePathSegments(path)
	for _, r := range s.routes {
		if r.method != method {
			continue
		}
		if params := matchRoute(pathSegments, r); params != nil {
			return r, params
		}
	}

	return nil, nil
}

func (s *AdminServer) recordRequest(pattern string, status int) {
	if s.metrics == nil {
		return
	}

	s.metrics.Counter("admin_requests_total", map[string]string{
		"route":  pattern,
		"status": fmt.Sprintf("%d", status),
	}).Inc()
}

func (s *AdminServer) getState() State {
	return s.state.Load().(State)
}

func (s *AdminServer) setState(newState State) {
	s.state.Store(newState)
}

func (s *AdminServer) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

func normalizePath(path string) string {
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		return strings.TrimRight(path, "/")
	}
	return path
}

func parsePathSegments(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return []string{}
	}

	return strings.Split(path, "/")
}

func extractParamNames(pattern string) []string {
	var params []string

	for _, seg := range parsePathSegments(pattern) {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			params = append(params, seg[1:len(seg)-1])
		} else if strings.HasPrefix(seg, ":") {
			params = append(params, seg[1:])
		}
	}

	return params
}

// matchRoute returns the bound parameters, unescaped, or nil when the path
// does not match. Empty parameter values never match.
func matchRoute(pathSegments []string, r *route) map[string]string {
	if len(pathSegments) != len(r.segments) {
		return nil
	}

	params := make(map[string]string, len(r.paramNames))
	paramIdx := 0

	for i, routeSegment := range r.segments {
		if strings.HasPrefix(routeSegment, "{") || strings.HasPrefix(routeSegment, ":") {
			value, err := url.PathUnescape(pathSegments[i])
			if err != nil || value == "" {
				return nil
			}
			params[r.paramNames[paramIdx]] = value
			paramIdx++
		} else if routeSegment != pathSegments[i] {
			return nil
		}
	}

	return params
}

func writeJSON(ctx *fasthttp.RequestCtx, logger types.Logger, status int, payload interface{}) {
	data, err := utils.Marshal(payload)
	if err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		return
	}

	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)

	if _, err = ctx.Write(data); err != nil {
		logger.Error("Failed to write response", zap.Error(err))
	}
}
