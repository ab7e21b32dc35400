package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/skiffhq/skiff/pkg/provider"
)

// PollConfig bounds the readiness wait loop.
type PollConfig struct {
	// Interval is the sleep between status checks.
	Interval time.Duration

	// Timeout is the overall bound on the wait.
	Timeout time.Duration
}

// DefaultPollConfig matches typical cloud VM boot times.
var DefaultPollConfig = PollConfig{
	Interval: 5 * time.Second,
	Timeout:  5 * time.Minute,
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultPollConfig.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultPollConfig.Timeout
	}
	return c
}

// Poller drives a newly created instance from pending to running by
// repeated status queries at a fixed interval.
type Poller struct {
	cfg PollConfig
	log zerolog.Logger

	// sleep is swappable in tests.
	sleep func(time.Duration)

	// now is swappable in tests.
	now func() time.Time
}

// NewPoller creates a poller with the given bounds.
func NewPoller(cfg PollConfig, log zerolog.Logger) *Poller {
	return &Poller{
		cfg:   cfg.withDefaults(),
		log:   log,
		sleep: time.Sleep,
		now:   time.Now,
	}
}

// WaitReady blocks until the instance reports running, the backend reports
// failed, or the timeout elapses. A create response that already reported
// running skips polling entirely. The sleep between checks is not
// interruptible; context cancellation is honored between checks only, and
// the overall bound is the configured timeout.
//
// On timeout the instance may still be pending at the backend; the caller
// keeps the tracked record either way.
func (p *Poller) WaitReady(ctx context.Context, prov provider.Provider, inst *provider.Instance) error {
	if inst.Status == provider.StatusRunning {
		p.log.Debug().Str("instance_id", inst.ID).Msg("instance ready at creation, skipping poll")
		return nil
	}

	start := p.now()
	for {
		if err := ctx.Err(); err != nil {
			return NewTimeoutError("wait for instance cancelled", p.now().Sub(start))
		}

		status, err := prov.Status(ctx, inst.ID)
		if err != nil {
			if IsAuthentication(err) {
				return err
			}
			// Transient lookup failures are tolerated until the
			// timeout bound; the provider already retried 429/5xx
			// internally.
			p.log.Warn().Err(err).Str("instance_id", inst.ID).Msg("status query failed, will retry")
		} else {
			switch status {
			case provider.StatusRunning:
				inst.Status = provider.StatusRunning
				return nil
			case provider.StatusFailed:
				return NewProvisioningError("instance failed to start", nil)
			}
			// pending and stopped keep polling; some backends pass
			// through stopped while booting.
		}

		elapsed := p.now().Sub(start)
		if elapsed+p.cfg.Interval > p.cfg.Timeout {
			return NewTimeoutError("instance not ready", elapsed)
		}
		p.sleep(p.cfg.Interval)
	}
}
