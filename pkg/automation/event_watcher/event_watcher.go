package event_watcher

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lukemcar/crm-service/pkg/automation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var logger *zap.Logger

const (
	domainEventSubject = "$CRM.%s.EVENT.%s"
	watcherQueueGroup  = "automation"
)

type EventHandler func(*automation.EventContext)

// EventWatcher subscribes to the domain event subjects the automation
// engine cares about and decodes each message into an EventContext.
type EventWatcher struct {
	conn    *nats.Conn
	domain  string
	subs    map[string]*nats.Subscription
	handler EventHandler
	running bool
}

func NewEventWatcher(conn *nats.Conn, domain string, l *zap.Logger) *EventWatcher {

	logger = l.Named("EventWatcher")

	return &EventWatcher{
		conn:   conn,
		domain: domain,
		subs:   make(map[string]*nats.Subscription),
	}
}

// RegisterTrigger subscribes to the subject carrying one trigger event tag.
func (ew *EventWatcher) RegisterTrigger(trigger string) error {

	subject := fmt.Sprintf(domainEventSubject, ew.domain, trigger)

	if _, ok := ew.subs[subject]; ok {
		return nil
	}

	sub, err := ew.conn.QueueSubscribe(subject, watcherQueueGroup, func(msg *nats.Msg) {
		ew.handleMessage(trigger, msg)
	})
	if err != nil {
		return err
	}

	logger.Info("Registered trigger",
		zap.String("subject", subject),
	)

	ew.subs[subject] = sub

	return nil
}

func (ew *EventWatcher) handleMessage(trigger string, msg *nats.Msg) {

	var ev automation.EventContext
	err := json.Unmarshal(msg.Data, &ev)
	if err != nil {
		logger.Error("Failed to parse event",
			zap.String("trigger", trigger),
			zap.Error(err),
		)
		return
	}

	if len(ev.TriggerEvent) == 0 {
		ev.TriggerEvent = trigger
	}

	if ew.handler != nil {
		ew.handler(&ev)
	}
}

func (ew *EventWatcher) Watch(handler EventHandler) {
	ew.handler = handler
	ew.running = true
}

func (ew *EventWatcher) Stop() error {

	for subject, sub := range ew.subs {
		if err := sub.Unsubscribe(); err != nil {
			logger.Warn("Failed to unsubscribe",
				zap.String("subject", subject),
				zap.Error(err),
			)
		}
	}

	ew.subs = make(map[string]*nats.Subscription)
	ew.running = false

	return nil
}
