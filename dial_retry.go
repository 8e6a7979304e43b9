package wsstream

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
)

type (
	BackoffCalculator func(attempts int) time.Duration

	// DialAttempt describes a failed dial that is about to be retried.
	DialAttempt struct {
		Attempt int
		Wait    time.Duration
		Err     error
	}

	// RetryDialer dials a websocket endpoint until it succeeds, backing off between attempts.
	// Only connection failures are retried; a rejected handshake is returned right away.
	RetryDialer struct {
		repo        OpenConnectionParamsRepo
		calculator  BackoffCalculator
		maxAttempts int
		o           options
		opts        []Option
		logger      Logger
		emitter     *EventEmitterCallback[string, DialAttempt]
	}
)

const EventDialRetry = "dial_retry"

// NewRetryDialer builds a dialer. maxAttempts <= 0 retries until ctx is done; a nil
// calculator defaults to ExponentialBackoffSeconds.
func NewRetryDialer(
	repo OpenConnectionParamsRepo,
	calculator BackoffCalculator,
	maxAttempts int,
	opts ...Option,
) *RetryDialer {
	if calculator == nil {
		calculator = ExponentialBackoffSeconds
	}
	o := newOptions(opts...)
	return &RetryDialer{
		repo:        repo,
		calculator:  calculator,
		maxAttempts: maxAttempts,
		o:           o,
		opts:        opts,
		logger:      o.logger.WithField("type", "retry_dialer"),
		emitter:     NewEventEmitter[string, DialAttempt](),
	}
}

// OnRetry registers a callback invoked before every backoff wait.
func (d *RetryDialer) OnRetry(cb func(DialAttempt)) {
	d.emitter.On(EventDialRetry, cb)
}

func (d *RetryDialer) Dial(ctx context.Context) (*SocketProvider, error) {
	for attempts := 1; ; attempts++ {
		params, err := d.repo.Get(ctx)
		if err != nil {
			return nil, err
		}

		opts := d.opts[:len(d.opts):len(d.opts)]
		if params.Header != nil {
			opts = append(opts, WithHeader(params.Header))
		}

		p, err := DialURL(ctx, params.URL, opts...)
		if err == nil {
			d.logger.Debugf("success opening connection to %s after %d attempts", params.URL.String(), attempts)
			return p, nil
		}

		if KindOf(err) != KindConnectionFailed || ctx.Err() != nil {
			return nil, err
		}
		if d.maxAttempts > 0 && attempts >= d.maxAttempts {
			return nil, errors.Wrapf(err, "giving up after %d attempts", attempts)
		}

		ttw := d.calculator(attempts)
		d.logger.Infof("cannot connect due to %s, retrying in %s", err, ttw)
		d.emitter.Emit(EventDialRetry, DialAttempt{Attempt: attempts, Wait: ttw, Err: err})

		timer := time.NewTimer(ttw)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, newError(KindConnectionFailed, errors.Wrap(ctx.Err(), err.Error()))
		}
	}
}

// DialStream dials and wraps the provider in a Stream.
func (d *RetryDialer) DialStream(ctx context.Context) (*Stream, error) {
	p, err := d.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return newStream(p, d.o), nil
}

func ExponentialBackoff(attempts int) float64 {
	return (math.Pow(2.0, float64(attempts)) - 1) / 2
}

func ExponentialBackoffSeconds(attempts int) time.Duration {
	return time.Duration(ExponentialBackoff(attempts) * float64(time.Second))
}
