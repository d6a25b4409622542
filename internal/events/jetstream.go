package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	StreamName     = "WORKER_EVENTS"
	streamSubjects = "events.>"
	streamMaxAge   = 24 * time.Hour
)

// Subject returns the JetStream subject an event is forwarded to
func Subject(event Event) string {
	if event.WorkerID == "" {
		return fmt.Sprintf("events.%s", event.Type)
	}
	return fmt.Sprintf("events.%s.%s", event.Type, event.WorkerID)
}

// JetStreamForwarder republishes bus events to NATS JetStream for external subscribers
type JetStreamForwarder struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	bus    *Bus
}

// NewJetStreamForwarder creates a forwarder and ensures its stream exists
func NewJetStreamForwarder(js nats.JetStreamContext, bus *Bus, logger *zap.Logger) (*JetStreamForwarder, error) {
	f := &JetStreamForwarder{
		logger: logger.Named("event-forwarder"),
		js:     js,
		bus:    bus,
	}

	if err := f.setup(); err != nil {
		return nil, err
	}

	return f, nil
}

// setup creates or updates the events stream
func (f *JetStreamForwarder) setup() error {
	streamInfo, err := f.js.StreamInfo(StreamName)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	if streamInfo == nil {
		_, err = f.js.AddStream(&nats.StreamConfig{
			Name:       StreamName,
			Subjects:   []string{streamSubjects},
			Retention:  nats.LimitsPolicy,
			MaxAge:     streamMaxAge,
			MaxMsgs:    -1,
			MaxBytes:   -1,
			Discard:    nats.DiscardOld,
			MaxMsgSize: 1 * 1024 * 1024, // 1MB
			Storage:    nats.FileStorage,
			Replicas:   1,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream %s: %w", StreamName, err)
		}
		f.logger.Info("Created stream", zap.String("name", StreamName))
		return nil
	}

	config := streamInfo.Config
	config.Subjects = []string{streamSubjects}
	config.MaxAge = streamMaxAge
	if _, err := f.js.UpdateStream(&config); err != nil {
		return fmt.Errorf("failed to update stream %s: %w", StreamName, err)
	}
	f.logger.Info("Updated stream", zap.String("name", StreamName))
	return nil
}

// Run forwards events until the context is cancelled or the bus closes
func (f *JetStreamForwarder) Run(ctx context.Context) {
	ch, unsubscribe := f.bus.Subscribe(1024)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := f.forward(event); err != nil {
				f.logger.Error("Failed to forward event",
					zap.String("type", string(event.Type)),
					zap.String("worker_id", event.WorkerID),
					zap.Error(err))
			}
		}
	}
}

func (f *JetStreamForwarder) forward(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := f.js.Publish(Subject(event), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}
