package main

import (
	"github.com/gin-gonic/gin"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	cidpkg "telesignal/internal/cid"
)

// cidMiddleware attaches a correlation id to every request: an incoming
// X-TS-CID header is preserved, otherwise a fresh KSUID is generated. The
// id is echoed on the response and stored on the request context.
func (s *Server) cidMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(cidpkg.HeaderName)
		if id == "" {
			id = ksuid.New().String()
		}
		c.Writer.Header().Set(cidpkg.HeaderName, id)
		c.Request = c.Request.WithContext(cidpkg.WithCID(c.Request.Context(), id))
		c.Next()
	}
}

// otelMiddleware opens a span per request and tags it with the route and
// correlation id. With no exporter configured the tracer is a no-op.
func (s *Server) otelMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("telesignal/server")
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+c.FullPath(),
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if id := cidpkg.CIDFromContext(ctx); id != "" {
			span.SetAttributes(attribute.String(cidpkg.AttributeName, id))
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
	}
}
