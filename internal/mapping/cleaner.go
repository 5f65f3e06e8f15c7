package mapping

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentmux-dev/agentmux/internal/logger"
)

// Cleaner runs a cleanup job on a fixed interval using a dedicated cron
// scheduler. Stop blocks until any in-flight run finishes, so no cleanup
// fires after Stop returns.
type Cleaner struct {
	cron     *cron.Cron
	name     string
	interval time.Duration
	job      func()
	running  bool
}

// NewCleaner creates a cleaner that invokes job every interval. The job is
// panic-recovered; a panicking run is logged and the schedule continues.
func NewCleaner(name string, interval time.Duration, job func()) *Cleaner {
	c := &Cleaner{
		cron:     cron.New(),
		name:     name,
		interval: interval,
		job:      job,
	}
	c.cron.Schedule(cron.Every(interval), cron.FuncJob(c.run))
	return c
}

func (c *Cleaner) run() {
	defer func() {
		if r := recover(); r != nil {
			logger.Mapping().Error().
				Str("cleaner", c.name).
				Str("panic", fmt.Sprint(r)).
				Msg("Cleanup job panicked")
		}
	}()
	c.job()
}

// Start begins the schedule. Starting twice is harmless.
func (c *Cleaner) Start() {
	if c.running {
		return
	}
	c.running = true
	c.cron.Start()
	logger.Mapping().Info().
		Str("cleaner", c.name).
		Dur("interval", c.interval).
		Msg("Cleanup timer started")
}

// Stop halts the schedule and waits for a running job to complete.
func (c *Cleaner) Stop() {
	if !c.running {
		return
	}
	c.running = false
	ctx := c.cron.Stop()
	<-ctx.Done()
	logger.Mapping().Info().Str("cleaner", c.name).Msg("Cleanup timer stopped")
}
