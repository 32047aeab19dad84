package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iota-uz/regflow/pkg/application"
	"github.com/iota-uz/regflow/pkg/httpapi"
)

type HealthController struct {
	pool *pgxpool.Pool
}

// NewHealthController serves /health; the database is pinged when a pool is set.
func NewHealthController(pool *pgxpool.Pool) application.Controller {
	return &HealthController{pool: pool}
}

func (c *HealthController) Key() string {
	return "/health"
}

func (c *HealthController) Register(r *mux.Router) {
	r.HandleFunc("/health", c.health).Methods(http.MethodGet)
}

func (c *HealthController) health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if c.pool != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := c.pool.Ping(ctx); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
			_ = httpapi.WriteJSON(w, http.StatusServiceUnavailable, status)
			return
		}
		status["database"] = "ok"
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, status)
}
