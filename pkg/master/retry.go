package master

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/devsbb/jenkins-node-registrar/pkg/jenkins"
)

// retry runs fn, running it again up to retries more times while it fails
// with a Jenkins API error. The n-th retry waits baseDelay*n.
func (m *Master) retry(ctx context.Context, logger zerolog.Logger, name string, retries int, baseDelay time.Duration, fn func() error) error {
	multiplier := 1
	for {
		err := fn()
		if err == nil || !jenkins.IsAPIError(err) || retries == 0 {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return err
		}

		delay := baseDelay * time.Duration(multiplier)
		logger.Info().Err(err).Msgf("Retrying '%s' %d more times (delay=%s)", name, retries, delay)
		if m.metrics != nil {
			m.metrics.RequestRetries.Inc()
		}
		multiplier++
		retries--
		if err := m.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
