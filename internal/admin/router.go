// Package admin serves the daemon's operational HTTP surface: health, metrics,
// record inspection, capability status and, when chaos is enabled, fault injection.
package admin

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"idemcore/internal/journal"
	"idemcore/internal/metrics"
	"idemcore/pkg/fallback"
	"idemcore/pkg/fault"
	"idemcore/pkg/idempotency"
)

// OutcomeLister reads journaled outcomes.
type OutcomeLister interface {
	List(ctx context.Context, f journal.Filter) ([]journal.Entry, error)
}

// Deps are the components exposed by the router. Only Store is required;
// routes for nil components are not mounted.
type Deps struct {
	Store        *idempotency.Store
	Capabilities *fallback.Registry
	Injector     *fault.Injector
	Journal      OutcomeLister
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// NewRouter builds the admin gin engine.
func NewRouter(d Deps) *gin.Engine {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	r.Use(Recovery(logger), RequestID(), Logging(logger))
	if d.Metrics != nil {
		r.Use(d.Metrics.GinMiddleware())
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	h := &handlers{deps: d}
	r.GET("/healthz", h.health)

	v1 := r.Group("/v1")
	v1.GET("/records", h.listRecords)
	v1.GET("/records/:key", h.getRecord)
	v1.DELETE("/records/:key", h.forgetRecord)

	if d.Capabilities != nil {
		v1.GET("/capabilities", h.capabilities)
	}
	if d.Journal != nil {
		v1.GET("/outcomes", h.outcomes)
	}
	if d.Injector != nil {
		faults := v1.Group("/faults")
		faults.GET("", h.listFaults)
		faults.POST("", h.injectFault)
		faults.GET("/:id", h.getFault)
		faults.DELETE("/:id", h.recoverFault)
	}

	r.NoRoute(func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusNotFound, Response{
			Error:     &APIError{Code: "not_found", Message: "no such route"},
			RequestID: requestID(c),
		})
	})

	return r
}
