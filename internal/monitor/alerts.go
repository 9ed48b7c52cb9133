package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Notifier delivers one formatted alert.
type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alert is one queued notification.
type Alert struct {
	Name   string
	Level  string
	Fields map[string]any
	At     time.Time
}

// Format renders the alert as a single plain-text message.
func (a Alert) Format(instance string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(a.Level), a.Name)
	if instance != "" {
		fmt.Fprintf(&b, " (%s)", instance)
	}
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, a.Fields[k])
	}
	fmt.Fprintf(&b, "\n%s", a.At.UTC().Format(time.RFC3339))
	return b.String()
}

// AlertManager queues alerts and delivers them from one worker so callers
// never block on a slow notifier.
type AlertManager struct {
	queue    chan Alert
	notifier Notifier
	instance string
	timeout  time.Duration
	dropped  atomic.Int64
	sent     atomic.Int64
	wg       sync.WaitGroup
	log      *logrus.Entry
}

// NewAlertManager creates a manager; a nil notifier logs alerts only.
func NewAlertManager(n Notifier, queueLen int, instance string) *AlertManager {
	if queueLen <= 0 {
		queueLen = 256
	}
	if n == nil {
		n = LogNotifier{}
	}
	return &AlertManager{
		queue:    make(chan Alert, queueLen),
		notifier: n,
		instance: instance,
		timeout:  10 * time.Second,
		log:      logrus.WithField("component", "alerts"),
	}
}

// Start runs the delivery worker until ctx ends, then drains what is queued.
func (m *AlertManager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				m.drain()
				return
			case a := <-m.queue:
				m.deliver(a)
			}
		}
	}()
}

// Wait blocks until the worker has exited.
func (m *AlertManager) Wait() { m.wg.Wait() }

func (m *AlertManager) drain() {
	for {
		select {
		case a := <-m.queue:
			m.deliver(a)
		default:
			return
		}
	}
}

func (m *AlertManager) deliver(a Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, a.Format(m.instance)); err != nil {
		m.log.WithError(err).WithField("alert", a.Name).Warn("alert delivery failed")
		return
	}
	m.sent.Add(1)
}

// Important queues a high-priority alert.
func (m *AlertManager) Important(event string, fields map[string]any) {
	m.enqueue(Alert{Name: event, Level: "important", Fields: fields, At: time.Now()})
}

// Info queues an informational alert.
func (m *AlertManager) Info(event string, fields map[string]any) {
	m.enqueue(Alert{Name: event, Level: "info", Fields: fields, At: time.Now()})
}

func (m *AlertManager) enqueue(a Alert) {
	m.log.WithFields(logrus.Fields(a.Fields)).WithField("alert", a.Name).Info("alert raised")
	select {
	case m.queue <- a:
	default:
		m.dropped.Add(1)
		m.log.WithField("alert", a.Name).Warn("alert queue full, dropping")
	}
}

// Stats returns delivered and dropped counts.
func (m *AlertManager) Stats() (sent, dropped int64) {
	return m.sent.Load(), m.dropped.Load()
}
