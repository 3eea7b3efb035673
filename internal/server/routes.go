package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danmuck/peerwire/internal/node"
)

const version = "0.1.0"

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"node":    s.node.Name(),
			"version": version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		ready := s.node.Ready()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"ready": ready, "node": s.node.Name()})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	peers := s.router.Group("/peers")
	if s.cfg.Token != "" {
		peers.Use(s.requireToken())
	}
	peers.GET("", func(c *gin.Context) {
		list := s.node.Peers()
		c.JSON(http.StatusOK, gin.H{"peers": list, "count": len(list)})
	})
	peers.GET("/:id", func(c *gin.Context) {
		id, ok := peerID(c)
		if !ok {
			return
		}
		info, found := s.node.Peer(id)
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": node.ErrPeerNotFound.Error()})
			return
		}
		c.JSON(http.StatusOK, info)
	})
	peers.POST("/:id/close", func(c *gin.Context) {
		id, ok := peerID(c)
		if !ok {
			return
		}
		if err := s.node.ClosePeer(id); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, node.ErrPeerNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "closed", "id": id})
	})
}

func peerID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer id"})
		return 0, false
	}
	return id, true
}
