package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/dbgwire/internal/auth"
	"github.com/danmuck/dbgwire/internal/observability"
	"github.com/danmuck/dbgwire/internal/server"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// Admin is the HTTP view of a running debugging server.
type Admin struct {
	ID      string
	Started time.Time
	srv     *server.Server
	router  *gin.Engine
	guard   auth.Validator
}

type Option func(*Admin)

// WithValidator requires a bearer token accepted by v on mutating routes.
func WithValidator(v auth.Validator) Option {
	return func(a *Admin) { a.guard = v }
}

// New builds the router and registers every route.
func New(id string, srv *server.Server, corsOrigins []string, opts ...Option) *Admin {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{
		ID:      id,
		Started: time.Now(),
		srv:     srv,
		router:  r,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.registerRoutes()
	return a
}

func (a *Admin) Router() *gin.Engine {
	return a.router
}

func (a *Admin) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.Started).String(),
			"server":  a.ID,
			"version": version,
		})
	})

	a.router.GET("/ready", func(c *gin.Context) {
		ready := a.srv.Initialized()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		body := gin.H{
			"ready":       ready,
			"connections": a.srv.ConnectionCount(),
			"server":      a.ID,
			"version":     version,
		}
		if addr := a.srv.ListenAddr(); addr != nil {
			body["listen_addr"] = addr.String()
		}
		c.JSON(status, body)
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router.GET("/connections", func(c *gin.Context) {
		conns := a.srv.Connections()
		infos := make([]server.ConnectionInfo, 0, len(conns))
		for _, conn := range conns {
			infos = append(infos, conn.Info())
		}
		c.JSON(http.StatusOK, gin.H{"connections": infos})
	})

	a.router.GET("/connections/:prefix", func(c *gin.Context) {
		conn, ok := a.srv.Connection(c.Param("prefix"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
			return
		}
		c.JSON(http.StatusOK, conn.Info())
	})

	a.router.DELETE("/connections/:prefix", auth.Require(a.guard), func(c *gin.Context) {
		prefix := c.Param("prefix")
		conn, ok := a.srv.Connection(prefix)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
			return
		}
		conn.Close()
		select {
		case <-conn.Done():
		case <-c.Request.Context().Done():
		}
		log.Info().Str("conn", prefix).Str("admin", a.ID).Msg("connection closed by admin")
		c.JSON(http.StatusOK, gin.H{"status": "closed", "prefix": prefix})
	})
}

// Serve listens on addr until ctx is done.
func (a *Admin) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return a.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is done.
func (a *Admin) ServeListener(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("admin listening")
	if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
