// Package server exposes a node's admin HTTP surface.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/peerwire/internal/auth"
	logs "github.com/danmuck/peerwire/internal/logging"
	"github.com/danmuck/peerwire/internal/node"
	"github.com/danmuck/peerwire/internal/observability"
)

// Inspector is the part of a node the admin routes read and act on.
type Inspector interface {
	Name() string
	Ready() bool
	Peers() []node.PeerInfo
	Peer(id uint64) (node.PeerInfo, bool)
	ClosePeer(id uint64) error
}

var _ Inspector = (*node.Node)(nil)

type Config struct {
	Addr string
	// Token guards the /peers routes when set.
	Token           string
	ShutdownTimeout time.Duration
}

type Server struct {
	cfg      Config
	node     Inspector
	router   *gin.Engine
	appeared time.Time
}

func New(cfg Config, n Inspector) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(n.Name()))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{cfg: cfg, node: n, router: r, appeared: time.Now()}
	s.registerRoutes()
	return s
}

func (s *Server) Router() *gin.Engine { return s.router }

// Serve runs the admin surface on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	logs.Infof("server.Server.Serve node=%s addr=%s", s.node.Name(), ln.Addr())

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	return nil
}

// Run listens on cfg.Addr and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// requireToken rejects requests without the configured bearer token.
func (s *Server) requireToken() gin.HandlerFunc {
	v := auth.StaticToken{Token: s.cfg.Token}
	return func(c *gin.Context) {
		if err := auth.Check(v, c.GetHeader("Authorization")); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}
