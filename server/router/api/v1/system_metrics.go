package v1

import (
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/chatsync/server/internal/observability"
)

// MetricsOverviewResponse represents the overview response of system metrics
type MetricsOverviewResponse struct {
	TotalRequests int64                  `json:"total_requests"`
	SuccessRate   float64                `json:"success_rate"`
	AvgLatencyMs  int64                  `json:"avg_latency_ms"`
	P50LatencyMs  int64                  `json:"p50_latency_ms"`
	P95LatencyMs  int64                  `json:"p95_latency_ms"`
	ErrorCount    int64                  `json:"error_count"`
	Routes        []RouteMetricsResponse `json:"routes"`
}

// RouteMetricsResponse is the per-route part of the overview.
type RouteMetricsResponse struct {
	Route        string `json:"route"`
	Requests     int64  `json:"requests"`
	Errors       int64  `json:"errors"`
	AvgLatencyMs int64  `json:"avg_latency_ms"`
}

// GetMetricsOverview returns request metrics collected since startup.
// GET /system/metrics
func (s *APIV1Service) GetMetricsOverview(c echo.Context) error {
	snapshot := s.Metrics.Snapshot()
	return c.JSON(http.StatusOK, newMetricsOverview(snapshot))
}

func newMetricsOverview(snapshot *observability.MetricsSnapshot) MetricsOverviewResponse {
	routes := make([]RouteMetricsResponse, 0, len(snapshot.RouteMetrics))
	for route, rm := range snapshot.RouteMetrics {
		routes = append(routes, RouteMetricsResponse{
			Route:        route,
			Requests:     rm.RequestCount,
			Errors:       rm.ErrorCount,
			AvgLatencyMs: rm.AverageDuration,
		})
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Route < routes[j].Route })

	return MetricsOverviewResponse{
		TotalRequests: snapshot.RequestTotal,
		SuccessRate:   snapshot.SuccessRate(),
		AvgLatencyMs:  snapshot.AverageLatency().Milliseconds(),
		P50LatencyMs:  snapshot.Percentile(50).Milliseconds(),
		P95LatencyMs:  snapshot.Percentile(95).Milliseconds(),
		ErrorCount:    snapshot.RequestFailed,
		Routes:        routes,
	}
}
