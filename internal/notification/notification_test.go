package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/congo-pay/transferd/internal/clock"
	"github.com/congo-pay/transferd/internal/logging"
)

type recordingNotifier struct {
	events []Event
	err    error
}

func (r *recordingNotifier) Publish(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestMultiDeliversToAllSinks(t *testing.T) {
	failing := &recordingNotifier{err: errors.New("broker down")}
	ok := &recordingNotifier{}

	err := Multi{failing, nil, ok}.Publish(context.Background(), Event{Name: EventTransferExecuted})
	if err == nil {
		t.Fatal("expected joined error from failing sink")
	}
	if len(ok.events) != 1 || len(failing.events) != 1 {
		t.Fatalf("expected both sinks to receive the event")
	}
}

func TestEmitSwallowsErrors(t *testing.T) {
	sink := &recordingNotifier{err: errors.New("boom")}
	Emit(context.Background(), sink, logging.Discard(), Event{Name: EventTransferFailed})

	if len(sink.events) != 1 {
		t.Fatalf("expected one event")
	}
}

func TestWithClockStampsFromInjectedClock(t *testing.T) {
	at := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	sink := &recordingNotifier{}
	n := WithClock(sink, clock.Fake(at))

	Emit(context.Background(), n, logging.Discard(), Event{Name: EventTransferExecuted})
	earlier := at.Add(-time.Hour)
	_ = n.Publish(context.Background(), Event{Name: EventOTPIssued, OccurredAt: earlier})

	if len(sink.events) != 2 {
		t.Fatalf("expected two events, got %d", len(sink.events))
	}
	if !sink.events[0].OccurredAt.Equal(at) {
		t.Fatalf("expected the fake clock time, got %s", sink.events[0].OccurredAt)
	}
	if !sink.events[1].OccurredAt.Equal(earlier) {
		t.Fatalf("an explicit time must be kept, got %s", sink.events[1].OccurredAt)
	}
}

func TestRoutingKey(t *testing.T) {
	if got := RoutingKey(EventTransferExecuted); got != "notification.transfer_executed" {
		t.Fatalf("unexpected routing key %s", got)
	}
}
