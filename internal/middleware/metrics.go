package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/recipe-auth-api/internal/service"
)

// Metrics observes every request by route template, so paths carrying
// session IDs do not each become a label value. Requests that match no route
// share the "unmatched" label. Paths listed in skip (probes, the scrape
// endpoint) are not observed.
func Metrics(metrics *service.MetricsService, skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}

	return func(c *gin.Context) {
		if metrics == nil {
			c.Next()
			return
		}
		if _, ok := skipped[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
