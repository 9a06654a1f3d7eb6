package cache

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lib/pq"
)

// Invalidator drops cached membership named by a notification payload
type Invalidator interface {
	InvalidatePayload(ctx context.Context, payload string)
}

// NotificationSource is the subset of *pq.Listener used by MembershipListener
type NotificationSource interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// MembershipListener keeps the membership cache of this instance consistent
// with writes made by other instances. It uses PostgreSQL LISTEN/NOTIFY.
type MembershipListener struct {
	mu           sync.Mutex
	invalidator  Invalidator
	channel      string
	pingInterval time.Duration
	open         func() NotificationSource
	source       NotificationSource
	stopCh       chan struct{}
	done         chan struct{}
	stopped      bool
}

// NewMembershipListener creates a MembershipListener.
// connStr is the PostgreSQL connection string for LISTEN/NOTIFY.
func NewMembershipListener(connStr, channel string, invalidator Invalidator) *MembershipListener {
	open := func() NotificationSource {
		reportProblem := func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Printf("membership listener error: %v", err)
			}
		}
		return pq.NewListener(connStr, 10*time.Second, time.Minute, reportProblem)
	}
	return newMembershipListener(open, channel, invalidator)
}

func newMembershipListener(open func() NotificationSource, channel string, invalidator Invalidator) *MembershipListener {
	return &MembershipListener{
		invalidator:  invalidator,
		channel:      channel,
		pingInterval: 90 * time.Second,
		open:         open,
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start subscribes to the channel and begins applying notifications.
func (l *MembershipListener) Start(ctx context.Context) error {
	source := l.open()
	if err := source.Listen(l.channel); err != nil {
		source.Close()
		return fmt.Errorf("failed to listen on %s: %w", l.channel, err)
	}

	l.mu.Lock()
	l.source = source
	l.mu.Unlock()

	go l.handleNotifications(ctx, source)
	return nil
}

// Stop stops the listener and waits for the notification loop to exit.
func (l *MembershipListener) Stop() error {
	l.mu.Lock()
	if l.stopped || l.source == nil {
		l.stopped = true
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	close(l.stopCh)
	source := l.source
	l.mu.Unlock()

	<-l.done
	return source.Close()
}

func (l *MembershipListener) handleNotifications(ctx context.Context, source NotificationSource) {
	defer close(l.done)

	ticker := time.NewTicker(l.pingInterval)
	defer ticker.Stop()

	notifications := source.NotificationChannel()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		case n := <-notifications:
			if n == nil {
				// The connection was re-established; notifications sent
				// while it was down are lost.
				log.Printf("membership listener reconnected, clearing cache")
				l.invalidator.InvalidatePayload(ctx, "")
				continue
			}
			l.invalidator.InvalidatePayload(ctx, n.Extra)
		case <-ticker.C:
			go func() {
				if err := source.Ping(); err != nil {
					log.Printf("membership listener ping error: %v", err)
				}
			}()
		}
	}
}
