package upstream

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	dialInitialBackoff = 200 * time.Millisecond
	dialMaxBackoff     = 2 * time.Second
)

// RetryDialer bounds each establishment with a timeout and retries transient
// dial failures with exponential backoff. Successful handles are wrapped so
// their close routine runs at most once.
type RetryDialer struct {
	Next    Dialer
	Timeout time.Duration
	Retries int
	Log     logrus.FieldLogger
}

func (d *RetryDialer) Dial(ctx context.Context, cfg Config) (Conn, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	start := time.Now()

	var conn Conn
	op := func() error {
		c, err := d.Next.Dial(ctx, cfg)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(dialInitialBackoff),
				backoff.WithMaxInterval(dialMaxBackoff),
			),
			uint64(max(d.Retries, 0)),
		),
		ctx,
	)
	err := backoff.RetryNotify(op, policy, func(err error, next time.Duration) {
		metricDialRetries.Inc()
		if d.Log != nil {
			d.Log.WithError(err).WithField("next_attempt_in", next).Warn("upstream dial failed, retrying")
		}
	})
	metricDialMS.Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		metricDials.WithLabelValues("error").Inc()
		return nil, errors.Wrap(err, "dial upstream")
	}
	metricDials.WithLabelValues("ok").Inc()
	return CloseOnce(conn), nil
}
