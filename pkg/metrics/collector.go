package metrics

import (
	"context"
	"time"
)

// BundleSource reports the state of the installed bundle
type BundleSource interface {
	Validate() error
	CurrentVersion() (string, error)
}

// ProcessSource reports whether the supervised bundle is running
type ProcessSource interface {
	Running() bool
}

// Collector samples the bundle and the supervisor into gauges and health
// components on a fixed interval
type Collector struct {
	bundle   BundleSource
	process  ProcessSource
	interval time.Duration
}

// NewCollector creates a new metrics collector. Either source may be nil.
func NewCollector(bundle BundleSource, process ProcessSource) *Collector {
	return &Collector{
		bundle:   bundle,
		process:  process,
		interval: 15 * time.Second,
	}
}

// Run collects until ctx is done
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.collect()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Collector) collect() {
	c.collectBundleMetrics()
	c.collectProcessMetrics()
}

func (c *Collector) collectBundleMetrics() {
	if c.bundle == nil {
		return
	}

	if err := c.bundle.Validate(); err != nil {
		UpdateComponent(ComponentBundle, false, err.Error())
		return
	}

	version, err := c.bundle.CurrentVersion()
	if err != nil {
		UpdateComponent(ComponentBundle, false, err.Error())
		return
	}
	UpdateComponent(ComponentBundle, true, version)
}

func (c *Collector) collectProcessMetrics() {
	if c.process == nil {
		return
	}

	running := c.process.Running()
	SetBool(AppRunning, running)
	if running {
		UpdateComponent(ComponentSupervisor, true, "running")
	} else {
		UpdateComponent(ComponentSupervisor, false, "stopped")
	}
}
