package monitor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"trading-guard/internal/events"
)

// Monitor bridges bus events to alerts and health.
type Monitor struct {
	Bus    *events.Bus
	Alerts *AlertManager
	Health *Health
}

// Start subscribes and processes events until ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	log := logrus.WithField("component", "monitor")
	if m.Bus == nil || m.Alerts == nil {
		log.Warn("monitor not fully configured; skipping")
		return
	}
	stream, unsub := m.Bus.Subscribe(64, events.EventAlert, events.EventReconcileCycle)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				m.handle(msg)
			}
		}
	}()
}

func (m *Monitor) handle(msg events.Message) {
	switch p := msg.Payload.(type) {
	case events.AlertEvent:
		if p.Level == "info" {
			m.Alerts.Info(p.Name, p.Fields)
		} else {
			m.Alerts.Important(p.Name, p.Fields)
		}
	case events.CycleEvent:
		if m.Health == nil {
			return
		}
		var err error
		if p.Error != "" {
			err = cycleError(p.Error)
		}
		m.Health.RecordCycle(err)
	}
}

type cycleError string

func (e cycleError) Error() string { return string(e) }

// NewAlertEvent builds an alert payload stamped now.
func NewAlertEvent(name, level string, fields map[string]any) events.AlertEvent {
	return events.AlertEvent{Name: name, Level: level, Fields: fields, At: time.Now()}
}
