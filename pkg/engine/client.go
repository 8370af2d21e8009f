// Package engine provides the client surface for the container engine daemon.
// The daemon is slow and rate-sensitive; everything above this package talks to
// it through the Client capability set so the pool and the status cache stay
// engine-agnostic and testable.
package engine

import (
	"context"
	"time"
)

// Client is the capability set consumed from the engine daemon. Implementations
// must be safe for use by one goroutine at a time; concurrent use is mediated
// by the connection pool.
type Client interface {
	// Ping verifies the daemon is reachable. Used as the pool's health check.
	Ping(ctx context.Context) error

	// ListContainers returns all containers known to the daemon, including
	// stopped ones. This is the whole-set query the status cache refreshes from.
	ListContainers(ctx context.Context) ([]Container, error)

	// InspectContainer returns detail for a single container by ID or name
	InspectContainer(ctx context.Context, nameOrID string) (*ContainerDetail, error)

	// ContainerStats returns a one-shot resource usage sample for a container
	ContainerStats(ctx context.Context, nameOrID string) (*ContainerStats, error)

	// Close releases the underlying transport resources
	Close() error
}

// Factory creates a new daemon client. The pool calls it lazily, up to its
// connection cap.
type Factory func(ctx context.Context) (Client, error)

// Container is the per-entity summary returned by the whole-set query.
type Container struct {
	ID      string            `json:"Id"`
	Names   []string          `json:"Names"`
	Image   string            `json:"Image"`
	State   string            `json:"State"`
	Status  string            `json:"Status"`
	Created int64             `json:"Created"`
	Labels  map[string]string `json:"Labels"`
}

// Name returns the container's primary name without the engine's leading slash.
func (c Container) Name() string {
	if len(c.Names) == 0 {
		return c.ID
	}
	name := c.Names[0]
	if len(name) > 0 && name[0] == '/' {
		name = name[1:]
	}
	return name
}

// ContainerDetail is the inspect payload for a single container.
type ContainerDetail struct {
	ID      string `json:"Id"`
	Name    string `json:"Name"`
	Created string `json:"Created"`
	Image   string `json:"Image"`
	State   struct {
		Status     string `json:"Status"`
		Running    bool   `json:"Running"`
		Paused     bool   `json:"Paused"`
		Restarting bool   `json:"Restarting"`
		ExitCode   int    `json:"ExitCode"`
		StartedAt  string `json:"StartedAt"`
		FinishedAt string `json:"FinishedAt"`
		Health     *struct {
			Status string `json:"Status"`
		} `json:"Health,omitempty"`
	} `json:"State"`
	RestartCount int `json:"RestartCount"`
}

// ContainerStats is a one-shot resource usage sample.
type ContainerStats struct {
	Read     time.Time `json:"read"`
	CPUStats struct {
		CPUUsage struct {
			TotalUsage float64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemCPUUsage float64 `json:"system_cpu_usage"`
		OnlineCPUs     int     `json:"online_cpus"`
	} `json:"cpu_stats"`
	PreCPUStats struct {
		CPUUsage struct {
			TotalUsage float64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemCPUUsage float64 `json:"system_cpu_usage"`
	} `json:"precpu_stats"`
	MemoryStats struct {
		Usage float64 `json:"usage"`
		Limit float64 `json:"limit"`
	} `json:"memory_stats"`
}

// CPUPercent derives a CPU utilization percentage from the two samples the
// daemon embeds in a stats payload.
func (s *ContainerStats) CPUPercent() float64 {
	cpuDelta := s.CPUStats.CPUUsage.TotalUsage - s.PreCPUStats.CPUUsage.TotalUsage
	sysDelta := s.CPUStats.SystemCPUUsage - s.PreCPUStats.SystemCPUUsage
	if cpuDelta <= 0 || sysDelta <= 0 {
		return 0
	}
	cpus := s.CPUStats.OnlineCPUs
	if cpus == 0 {
		cpus = 1
	}
	return cpuDelta / sysDelta * float64(cpus) * 100
}

// MemoryPercent derives memory utilization from usage and limit.
func (s *ContainerStats) MemoryPercent() float64 {
	if s.MemoryStats.Limit <= 0 {
		return 0
	}
	return s.MemoryStats.Usage / s.MemoryStats.Limit * 100
}
