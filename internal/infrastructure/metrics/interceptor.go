package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
)

// observe records one finished call under method
func observe(collector *Collector, exporter *PrometheusExporter, method string, start time.Time, failed bool) {
	duration := time.Since(start).Seconds()

	collector.RecordRequest(method)
	collector.RecordDuration(method, duration)
	if failed {
		collector.RecordError(method)
	}

	if exporter == nil {
		return
	}
	exporter.RecordRequest(method)
	exporter.RecordDuration(method, duration)
	if failed {
		exporter.RecordError(method)
	}
}

// UnaryServerInterceptor returns a gRPC interceptor that records metrics for each request.
func UnaryServerInterceptor(collector *Collector, exporter *PrometheusExporter) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observe(collector, exporter, info.FullMethod, start, err != nil)
		return resp, err
	}
}

// GinMiddleware records metrics for each HTTP request, keyed by
// "METHOD route". Responses with a 5xx status count as errors.
func GinMiddleware(collector *Collector, exporter *PrometheusExporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method + " " + route
		observe(collector, exporter, method, start, c.Writer.Status() >= http.StatusInternalServerError)
	}
}
