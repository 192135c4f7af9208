package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/livestage/internal/adapters/signal"
	"github.com/dkeye/livestage/internal/app/orch"
	"github.com/dkeye/livestage/internal/auth"
	"github.com/dkeye/livestage/internal/config"
)

const clientRefCookie = "ct"

func genClientRef() string {
	return uuid.NewString()
}

// ClientRefMiddleware pins a stable browser reference in the ct cookie.
// Attendance rows fall back to it when the caller sends no participantRef.
func ClientRefMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ref, _ := c.Cookie(clientRefCookie)
		if ref == "" {
			ref = genClientRef()
			c.SetCookie(clientRefCookie, ref, 3600*24*7, "/", "", false, true)
		}
		c.Set(ctxClientRef, ref)
		c.Next()
	}
}

// Deps are the collaborators the router mounts.
type Deps struct {
	Orch     *orch.Orchestrator
	Store    Backend
	Tokens   *auth.Issuer
	OTP      *auth.OTPBook
	Signal   *signal.SignalWSController
	Gatherer prometheus.Gatherer
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: int(auth.AccountTokenLifetime.Seconds()), HttpOnly: true, SameSite: http.SameSiteLaxMode})
	r.Use(sessions.Sessions("LivestageSessions", store))
	r.Use(ClientRefMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	if deps.Gatherer != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	a := &API{store: deps.Store, tokens: deps.Tokens, otp: deps.OTP, orch: deps.Orch}

	api := r.Group("/api")
	api.Use(AccountMiddleware(deps.Tokens))

	if deps.Signal != nil {
		api.GET("/ws/signal", func(c *gin.Context) {
			log.Debug().Str("module", "adapters.http").Str("ref", c.GetString(ctxClientRef)).Msg("ws signal endpoint hit")
			deps.Signal.HandleSignal(ctx, c)
		})
	}

	api.POST("/auth/otp", a.requestCode)
	api.POST("/auth/otp/verify", a.verifyCode)

	api.POST("/sessions", RequireAccount(), a.createSession)
	api.GET("/sessions/:id", a.getSession)
	api.POST("/sessions/:id/token", a.issueToken)
	api.GET("/sessions/:id/entitlement", RequireAccount(), a.entitlement)
	api.POST("/sessions/:id/entitlements", RequireAccount(), a.grantEntitlement)
	api.GET("/sessions/:id/actions", a.listActions)
	api.POST("/sessions/:id/actions", a.appendAction)
	api.DELETE("/sessions/:id/actions/:actionId", a.removeAction)
	api.POST("/sessions/:id/status", a.updateStatus)

	api.POST("/attendance", a.recordJoin)
	api.POST("/attendance/:id/leave", a.recordLeave)

	api.GET("/rooms", a.listRooms)
	api.GET("/rooms/:name/members", a.roomMembers)
	api.PATCH("/rooms/:name", a.patchRoom)
	api.DELETE("/rooms/:name", a.evictRoom)

	return r
}
