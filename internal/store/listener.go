package store

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Listener multiplexes a single LISTEN connection across many in-process
// subscribers. All subscriptions for the same channel share one LISTEN and
// fan out in memory.
type Listener struct {
	dsn    string
	logger *zap.Logger

	mu       sync.Mutex
	pq       *pq.Listener
	handlers map[string]map[string]func(payload string)
	closed   bool
}

// NewListener prepares a listener. The underlying connection is opened
// lazily on the first Subscribe.
func NewListener(dsn string, logger *zap.Logger) *Listener {
	return &Listener{
		dsn:      dsn,
		logger:   logger.With(zap.String("component", "listener")),
		handlers: make(map[string]map[string]func(payload string)),
	}
}

// Subscribe registers a handler for notifications on channel. The returned
// function removes the handler; the last removal on a channel issues
// UNLISTEN.
func (l *Listener) Subscribe(channel string, handler func(payload string)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureStartedLocked(); err != nil {
		return nil, err
	}

	if _, ok := l.handlers[channel]; !ok {
		if err := l.pq.Listen(channel); err != nil {
			return nil, err
		}
		l.handlers[channel] = make(map[string]func(payload string))
	}

	id := uuid.NewString()
	l.handlers[channel][id] = handler

	unsubscribe := func() {
		l.mu.Lock()
		defer l.mu.Unlock()

		subs, ok := l.handlers[channel]
		if !ok {
			return
		}
		delete(subs, id)
		if len(subs) == 0 {
			delete(l.handlers, channel)
			if l.pq != nil && !l.closed {
				if err := l.pq.Unlisten(channel); err != nil {
					l.logger.Warn("unlisten failed", zap.String("channel", channel), zap.Error(err))
				}
			}
		}
	}
	return unsubscribe, nil
}

func (l *Listener) ensureStartedLocked() error {
	if l.pq != nil {
		return nil
	}

	listener := pq.NewListener(l.dsn, time.Second, 30*time.Second, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			l.logger.Warn("listener connection event", zap.Int("event", int(ev)), zap.Error(err))
		}
	})
	l.pq = listener

	go l.dispatch(listener)
	return nil
}

func (l *Listener) dispatch(listener *pq.Listener) {
	for notification := range listener.Notify {
		if notification == nil {
			// Reconnect marker; notifications may have been lost while the
			// connection was down.
			continue
		}

		l.mu.Lock()
		subs := make([]func(string), 0, len(l.handlers[notification.Channel]))
		for _, h := range l.handlers[notification.Channel] {
			subs = append(subs, h)
		}
		l.mu.Unlock()

		for _, h := range subs {
			h(notification.Extra)
		}
	}
}

// Close shuts the LISTEN connection down.
func (l *Listener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	if l.pq != nil {
		if err := l.pq.Close(); err != nil {
			l.logger.Warn("listener close failed", zap.Error(err))
		}
		l.pq = nil
	}
	l.handlers = make(map[string]map[string]func(payload string))
}
