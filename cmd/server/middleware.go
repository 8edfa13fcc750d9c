package main

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	cidpkg "opusdemux/internal/cid"
	"opusdemux/internal/otelutil"
)

// cidMiddleware keeps an incoming correlation id or generates a KSUID, puts
// it on the request context and echoes it in the response.
func (s *Server) cidMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(cidpkg.HeaderName)
		if id == "" {
			id = cidpkg.New()
		}
		c.Request = c.Request.WithContext(cidpkg.WithCID(c.Request.Context(), id))
		c.Header(cidpkg.HeaderName, id)
		c.Next()
	}
}

// otelMiddleware starts one server span per request.
func (s *Server) otelMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		attrs := []attribute.KeyValue{
			semconv.HTTPMethodKey.String(c.Request.Method),
			semconv.HTTPTargetKey.String(c.Request.URL.Path),
			semconv.HTTPRouteKey.String(route),
		}
		if id := cidpkg.CIDFromContext(ctx); id != "" {
			attrs = append(attrs, attribute.String(cidpkg.AttributeName, id))
		}

		ctx, span := otelutil.Tracer().Start(ctx, c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPStatusCodeKey.Int(status))
		if status >= 500 {
			span.SetStatus(codes.Error, "server error")
		}
	}
}
