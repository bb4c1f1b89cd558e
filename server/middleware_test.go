package server

import (
	"bytes"
	"compress/gzip"
	"io"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-vary-cache/logger"
)

func jsonBody(size int) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`"` + strings.Repeat("a", size) + `"`)
	}
}

func request(handler fasthttp.RequestHandler, acceptEncoding string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/")
	if acceptEncoding != "" {
		ctx.Request.Header.Set(fasthttp.HeaderAcceptEncoding, acceptEncoding)
	}

	handler(ctx)

	return ctx
}

func TestCompressionPrefersBrotli(t *testing.T) {
	handler := Chain(jsonBody(4096), Compression(logger.NewNopLogger(), 0))

	ctx := request(handler, "gzip, br")
	assert.Equal(t, AlgorithmBrotli, string(ctx.Response.Header.ContentEncoding()))
	assert.Equal(t, fasthttp.HeaderAcceptEncoding, string(ctx.Response.Header.Peek(fasthttp.HeaderVary)))

	decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(ctx.Response.Body())))
	require.NoError(t, err)
	assert.Len(t, decoded, 4098)
}

func TestCompressionFallsBackToGzip(t *testing.T) {
	handler := Chain(jsonBody(4096), Compression(logger.NewNopLogger(), 0))

	ctx := request(handler, "gzip")
	require.Equal(t, AlgorithmGzip, string(ctx.Response.Header.ContentEncoding()))

	reader, err := gzip.NewReader(bytes.NewReader(ctx.Response.Body()))
	require.NoError(t, err)
	decoded, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Len(t, decoded, 4098)
}

func TestCompressionSkipsSmallAndUnacceptedResponses(t *testing.T) {
	handler := Chain(jsonBody(10), Compression(logger.NewNopLogger(), 0))
	assert.Empty(t, request(handler, "br").Response.Header.ContentEncoding())

	handler = Chain(jsonBody(4096), Compression(logger.NewNopLogger(), 0))
	assert.Empty(t, request(handler, "").Response.Header.ContentEncoding())

	handler = Chain(func(ctx *fasthttp.RequestCtx) {
		ctx.SetContentType("application/octet-stream")
		ctx.SetBody(make([]byte, 4096))
	}, Compression(logger.NewNopLogger(), 0))
	assert.Empty(t, request(handler, "br").Response.Header.ContentEncoding())
}

func TestRecoveryAnswersInternalError(t *testing.T) {
	handler := Chain(func(ctx *fasthttp.RequestCtx) {
		panic("boom")
	}, Recovery(logger.NewNopLogger(), nil), Logging(logger.NewNopLogger()))

	ctx := request(handler, "")
	assert.Equal(t, fasthttp.StatusInternalServerError, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), "boom")
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, name)
				next(ctx)
			}
		}
	}

	request(Chain(func(*fasthttp.RequestCtx) { order = append(order, "handler") }, mark("outer"), mark("inner")), "")
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}
