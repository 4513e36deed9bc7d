package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/orrn/printconsole/internal/api/handlers"
	"github.com/orrn/printconsole/internal/api/middleware"
	"github.com/orrn/printconsole/internal/config"
	"github.com/orrn/printconsole/internal/core"
	"github.com/orrn/printconsole/internal/db"
	"github.com/orrn/printconsole/internal/logging"
	"github.com/orrn/printconsole/internal/observability"
	"github.com/orrn/printconsole/internal/webhook"
)

type Deps struct {
	Config     *config.Config
	Reconciler *core.Reconciler
	Dispatcher *core.Dispatcher
	Journal    *db.Journal
	Webhooks   *webhook.WebhookSender
	Auth       *middleware.AuthMiddleware
	Channel    handlers.ConnectionState
	Session    handlers.SessionState
	Logger     *logrus.Entry
}

// NewRouter assembles the console HTTP surface. /health, /metrics and the
// login routes are public; everything else under /api requires a console session.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(d.Logger))
	r.Use(middleware.Metrics())

	observability.RegisterMetrics()
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handlers.NewHealthHandler(d.Reconciler, d.Channel, d.Session).RegisterRoutes(r)

	public := r.Group("/api")
	d.Auth.RegisterRoutes(public)

	protected := r.Group("/api")
	protected.Use(d.Auth.RequireAuth())

	handlers.NewViewHandler(d.Reconciler, d.Logger).RegisterRoutes(protected)
	handlers.NewCommandHandler(d.Dispatcher, d.Reconciler, d.Journal, d.Logger).RegisterRoutes(protected)
	if d.Webhooks != nil {
		handlers.NewWebhookHandler(d.Webhooks).RegisterRoutes(protected)
	}
	if d.Config != nil {
		handlers.NewSettingsHandler(d.Config, d.Journal).RegisterRoutes(protected)
	}

	return r
}
