package wsstream

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type KeepAliveMessageFactory func() Message

const DefaultKeepAliveInterval = 30 * time.Second

// keepAliveProvider is a Provider that sends a keep-alive message every interval. Keep-alive
// writes are serialized with the caller's Send and Flush.
type keepAliveProvider struct {
	Provider
	pingInterval            time.Duration
	keepAliveMessageFactory KeepAliveMessageFactory
	logger                  Logger

	mu        sync.Mutex
	closeOnce sync.Once
	closeC    CloseChan
}

// NewKeepAliveProvider decorates p. The keep-alive routine stops when ctx is done or the
// returned provider is closed. A nil factory sends empty pings; a non-positive interval means
// DefaultKeepAliveInterval.
func NewKeepAliveProvider(
	ctx context.Context,
	logger Logger,
	p Provider,
	interval time.Duration,
	keepAliveMessageFactory KeepAliveMessageFactory,
) Provider {
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	if keepAliveMessageFactory == nil {
		keepAliveMessageFactory = NewKeepAliveMessageFactory(PingMessage, func() []byte { return nil })
	}
	h := &keepAliveProvider{
		Provider:                p,
		pingInterval:            interval,
		keepAliveMessageFactory: keepAliveMessageFactory,
		logger:                  logger.WithField("subtype", "keep_alive_provider"),
		closeC:                  make(CloseChan),
	}
	go h.run(ctx)
	return h
}

func (h *keepAliveProvider) Send(m Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Provider.Send(m)
}

func (h *keepAliveProvider) Flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Provider.Flush()
}

// Close stops the keep-alive routine and closes the inner provider.
func (h *keepAliveProvider) Close() error {
	h.closeOnce.Do(func() {
		close(h.closeC)
	})
	return h.Provider.Close()
}

func (h *keepAliveProvider) run(ctx context.Context) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.closeC:
			return
		case <-ticker.C:
			if err := h.keepAlive(); err != nil {
				if KindOf(err) == KindConnectionFailed {
					h.logger.Infof("stopping keep-alive: %s", err)
					return
				}
				h.logger.Warnf("keep-alive failed: %s", err)
			}
		}
	}
}

func (h *keepAliveProvider) keepAlive() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	m := h.keepAliveMessageFactory()
	h.logger.Debugf("=> [%s]", frameTag(m.Type()))
	if err := h.Provider.Send(m); err != nil {
		return err
	}
	if err := h.Provider.Flush(); err != nil && !errors.Is(err, ErrFlushPending) {
		return err
	}
	return nil
}

// NewKeepAliveMessageFactory returns a factory function for creating keep-alive messages.
// It takes a MessageType and a function that generates the content of the message as parameters.
func NewKeepAliveMessageFactory(
	mt MessageType,
	contentFactory func() []byte,
) KeepAliveMessageFactory {
	return func() Message {
		return NewMessage(mt, contentFactory())
	}
}
