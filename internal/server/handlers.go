package server

import (
	"net/http"
	"os"
	gort "runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/dockgate/dockgate/pkg/engine"
	"github.com/dockgate/dockgate/pkg/errors"
)

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch errors.TypeOf(err) {
	case errors.ErrorTypeNotFound:
		return http.StatusNotFound
	case errors.ErrorTypeQueueTimeout, errors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrorTypeConnection, errors.ErrorTypeDaemon:
		return http.StatusBadGateway
	case errors.ErrorTypeClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleContainers serves the cached whole-set view. Stale data is still
// returned alongside the refresh error so callers always get the best
// available snapshot.
func (s *Server) handleContainers(c *gin.Context) {
	force := c.Query("refresh") == "1"

	snaps, err := s.rt.Cache().Containers(c.Request.Context(), force)
	resp := gin.H{"containers": snaps, "count": len(snaps)}
	if err != nil {
		resp["error"] = err.Error()
		if len(snaps) == 0 {
			c.JSON(statusFor(err), resp)
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleContainer(c *gin.Context) {
	force := c.Query("refresh") == "1"

	snap, err := s.rt.Cache().Container(c.Request.Context(), c.Param("name"), force)
	if err != nil && snap.Name == "" {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{"container": snap}
	if err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// handleContainerStats is a passthrough: usage samples are point-in-time, so
// they bypass the cache and cost one pooled daemon call each.
func (s *Server) handleContainerStats(c *gin.Context) {
	name := c.Param("name")

	var stats *engine.ContainerStats
	err := s.rt.Pool().WithConn(c.Request.Context(), func(client engine.Client) error {
		var statsErr error
		stats, statsErr = client.ContainerStats(c.Request.Context(), name)
		return statsErr
	})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"name":           name,
		"cpu_percent":    stats.CPUPercent(),
		"memory_percent": stats.MemoryPercent(),
		"memory_usage":   stats.MemoryStats.Usage,
		"memory_limit":   stats.MemoryStats.Limit,
		"read":           stats.Read,
	})
}

func (s *Server) handlePoolStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.rt.Pool().Stats())
}

func (s *Server) handleCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.rt.Cache().Stats())
}

// handleSystem reports host and process conditions next to the pool numbers,
// which makes "is the host or the daemon slow" answerable from one place.
func (s *Server) handleSystem(c *gin.Context) {
	resp := gin.H{
		"pid":        os.Getpid(),
		"goroutines": gort.NumGoroutine(),
		"go_version": gort.Version(),
	}

	if info, err := host.Info(); err == nil {
		resp["hostname"] = info.Hostname
		resp["os"] = info.OS
		resp["platform"] = info.Platform
		resp["uptime_seconds"] = info.Uptime
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp["memory_used_percent"] = vm.UsedPercent
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		resp["cpu_percent"] = percents[0]
	}

	c.JSON(http.StatusOK, resp)
}

// handleRefresh forces a refresh attempt, still subject to the daemon
// cooldown gate.
func (s *Server) handleRefresh(c *gin.Context) {
	start := time.Now()
	err := s.rt.Cache().Refresh(c.Request.Context())
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"refreshed": true, "elapsed": time.Since(start).String()})
}

func (s *Server) handleRefresherStart(c *gin.Context) {
	s.rt.Refresher().Start()
	c.JSON(http.StatusOK, gin.H{"state": s.rt.Refresher().State().String()})
}

func (s *Server) handleRefresherStop(c *gin.Context) {
	s.rt.Refresher().Stop()
	c.JSON(http.StatusOK, gin.H{"state": s.rt.Refresher().State().String()})
}
