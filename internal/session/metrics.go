package session

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

type instruments struct {
	started  metric.Int64Counter
	failed   metric.Int64Counter
	messages metric.Int64Counter
	duration metric.Int64Histogram
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	started, err := meter.Int64Counter("voicechat.calls.started", metric.WithDescription("Calls accepted by the collaborator"))
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("voicechat.calls.failed", metric.WithDescription("Start requests that were rejected or abandoned"))
	if err != nil {
		return nil, err
	}
	messages, err := meter.Int64Counter("voicechat.transcript.messages", metric.WithDescription("Messages appended to the transcript"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Int64Histogram("voicechat.call.duration", metric.WithDescription("Length of finished calls"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &instruments{started: started, failed: failed, messages: messages, duration: duration}, nil
}

func (i *instruments) callStarted(ctx context.Context) {
	if i != nil {
		i.started.Add(ctx, 1)
	}
}

func (i *instruments) callFailed(ctx context.Context) {
	if i != nil {
		i.failed.Add(ctx, 1)
	}
}

func (i *instruments) messageAppended(ctx context.Context) {
	if i != nil {
		i.messages.Add(ctx, 1)
	}
}

func (i *instruments) callEnded(ctx context.Context, seconds int) {
	if i != nil {
		i.duration.Record(ctx, int64(seconds))
	}
}
