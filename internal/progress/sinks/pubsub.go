package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/mailbox-onboarding/internal/progress"
)

// pubsubEvent is the JSON body published for every progress event.
type pubsubEvent struct {
	SessionID string    `json:"session_id"`
	UserID    int64     `json:"user_id"`
	TS        time.Time `json:"ts"`
	Stage     string    `json:"stage"`
	StepIndex *int      `json:"step_index,omitempty"`
	StepKind  string    `json:"step_kind,omitempty"`
	Result    string    `json:"result,omitempty"`
	DurMS     int64     `json:"dur_ms,omitempty"`
	Note      string    `json:"note,omitempty"`
}

// PubSubSink forwards progress events to a Cloud Pub/Sub topic so downstream
// analytics can follow onboarding funnels.
type PubSubSink struct {
	topic *pubsub.Topic
}

// NewPubSubSink publishes to topic. The caller owns the underlying client.
func NewPubSubSink(topic *pubsub.Topic) *PubSubSink {
	return &PubSubSink{topic: topic}
}

// Consume publishes the batch and waits for every server acknowledgement.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	results := make([]*pubsub.PublishResult, 0, len(batch))
	for _, evt := range batch {
		data, err := json.Marshal(toPubSubEvent(evt))
		if err != nil {
			return fmt.Errorf("marshal progress event: %w", err)
		}
		results = append(results, s.topic.Publish(ctx, &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"session_id": evt.SessionID,
				"user_id":    strconv.FormatInt(evt.UserID, 10),
				"stage":      string(evt.Stage),
			},
		}))
	}
	var errs []error
	for i, res := range results {
		if _, err := res.Get(ctx); err != nil {
			errs = append(errs, fmt.Errorf("publish %s for %s: %w", batch[i].Stage, batch[i].SessionID, err))
		}
	}
	return errors.Join(errs...)
}

// Close flushes outstanding messages and stops the topic's publish goroutines.
func (s *PubSubSink) Close(context.Context) error {
	if s.topic != nil {
		s.topic.Stop()
	}
	return nil
}

func toPubSubEvent(evt progress.Event) pubsubEvent {
	out := pubsubEvent{
		SessionID: evt.SessionID,
		UserID:    evt.UserID,
		TS:        evt.TS.UTC(),
		Stage:     string(evt.Stage),
		Note:      evt.Note,
	}
	switch evt.Stage {
	case progress.StageStepStart, progress.StageStepComplete:
		idx := evt.StepIndex
		out.StepIndex = &idx
		out.StepKind = evt.StepKind
	case progress.StageStepVerified:
		idx := evt.StepIndex
		out.StepIndex = &idx
		out.StepKind = evt.StepKind
		out.Result = evt.Result()
		out.DurMS = evt.Dur.Milliseconds()
	case progress.StageSessionDone, progress.StageSessionStop:
		out.DurMS = evt.Dur.Milliseconds()
	}
	return out
}
