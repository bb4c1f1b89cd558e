package server

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-vary-cache/types"
)

const (
	AlgorithmGzip    = "gzip"
	AlgorithmBrotli  = "br"
	DefaultLevel     = 6
	DefaultThreshold = 1024
)

// Middleware wraps a handler with behaviour that runs around it.
type Middleware func(next fasthttp.RequestHandler) fasthttp.RequestHandler

// Chain applies middlewares so that the first one is outermost.
func Chain(handler fasthttp.RequestHandler, middlewares ...Middleware) fasthttp.RequestHandler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

// Recovery turns a panicking handler into a 500 response.
func Recovery(logger types.Logger, metrics types.MetricsManager) Middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				if rec := recover(); rec != nil {
					buf := make([]byte, 16384)
					n := runtime.Stack(buf, false)

					logger.Error("Recovered from panic",
						zap.Any("panic", rec),
						zap.ByteString("method", ctx.Method()),
						zap.ByteString("path", ctx.Path()),
						zap.String("remote_addr", ctx.RemoteIP().String()),
						zap.ByteString("stack", buf[:n]))

					if metrics != nil {
						metrics.Counter("admin_panics_total", nil).Inc()
					}

					ctx.ResetBody()
					ctx.Error(fmt.Sprintf("internal error: %v", rec), fasthttp.StatusInternalServerError)
				}
			}()

			next(ctx)
		}
	}
}

// Logging records every request. Client errors log at warn and server
// errors at error; everything else at debug.
func Logging(logger types.Logger) Middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			start := time.Now()

			next(ctx)

			fields := []zap.Field{
				zap.ByteString("method", ctx.Method()),
				zap.ByteString("path", ctx.Path()),
				zap.Int("status", ctx.Response.StatusCode()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", remoteAddr(ctx)),
			}

			if requestID := ctx.Request.Header.Peek("X-Request-ID"); len(requestID) > 0 {
				fields = append(fields, zap.ByteString("request_id", requestID))
			}

			switch status := ctx.Response.StatusCode(); {
			case status >= 500:
				logger.Error("Request completed", fields...)
			case status >= 400:
				logger.Warn("Request completed", fields...)
			default:
				logger.Debug("Request completed", fields...)
			}
		}
	}
}

func remoteAddr(ctx *fasthttp.RequestCtx) string {
	if forwarded := string(ctx.Request.Header.Peek("X-Forwarded-For")); forwarded != "" {
		if comma := strings.Index(forwarded, ","); comma > 0 {
			return strings.TrimSpace(forwarded[:comma])
		}
		return forwarded
	}

	if realIP := string(ctx.Request.Header.Peek("X-Real-IP")); realIP != "" {
		return realIP
	}

	return ctx.RemoteIP().String()
}

type compressor struct {
	logger     types.Logger
	threshold  int
	brotliPool sync.Pool
	gzipPool   sync.Pool
	bufferPool sync.Pool
}

// Compression encodes successful JSON and text responses of at least
// threshold bytes with brotli or gzip, whichever the client accepts first
// in that order. Responses the handler already encoded are left alone.
func Compression(logger types.Logger, threshold int) Middleware {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	c := &compressor{
		logger:    logger,
		threshold: threshold,
		brotliPool: sync.Pool{
			New: func() interface{} {
				return brotli.NewWriterLevel(nil, DefaultLevel)
			},
		},
		gzipPool: sync.Pool{
			New: func() interface{} {
				w, _ := gzip.NewWriterLevel(nil, DefaultLevel)
				return w
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
	}

	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			next(ctx)
			c.compress(ctx)
		}
	}
}

func (c *compressor) compress(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Add(fasthttp.HeaderVary, fasthttp.HeaderAcceptEncoding)

	status := ctx.Response.StatusCode()
	body := ctx.Response.Body()

	if status < 200 || status >= 300 || len(body) < c.threshold {
		return
	}
	if len(ctx.Response.Header.ContentEncoding()) > 0 {
		return
	}
	if !compressible(string(ctx.Response.Header.ContentType())) {
		return
	}

	var algorithm string
	switch {
	case ctx.Request.Header.HasAcceptEncoding(AlgorithmBrotli):
		algorithm = AlgorithmBrotli
	case ctx.Request.Header.HasAcceptEncoding(AlgorithmGzip):
		algorithm = AlgorithmGzip
	default:
		return
	}

	buf := c.bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer c.bufferPool.Put(buf)

	if err := c.encode(algorithm, buf, body); err != nil {
		c.logger.Warn("Failed to compress response",
			zap.String("algorithm", algorithm),
			zap.Error(err))
		return
	}

	if buf.Len() >= len(body) {
		return
	}

	ctx.Response.Header.Set(fasthttp.HeaderContentEncoding, algorithm)
	ctx.Response.SetBody(buf.Bytes())
}

func (c *compressor) encode(algorithm string, dst io.Writer, body []byte) error {
	switch algorithm {
	case AlgorithmBrotli:
		w := c.brotliPool.Get().(*brotli.Writer)
		defer c.brotliPool.Put(w)
		w.Reset(dst)
		if _, err := w.Write(body); err != nil {
			return err
		}
		return w.Close()
	default:
		w := c.gzipPool.Get().(*gzip.Writer)
		defer c.gzipPool.Put(w)
		w.Reset(dst)
		if _, err := w.Write(body); err != nil {
			return err
		}
		return w.Close()
	}
}

func compressible(contentType string) bool {
	contentType = strings.ToLower(contentType)
	return strings.HasPrefix(contentType, "application/json") ||
		strings.HasPrefix(contentType, "text/")
}
