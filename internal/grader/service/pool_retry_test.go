package service_test

import (
	"context"
	"testing"
	"time"

	"autograder/internal/common/mq"
	"autograder/internal/grader/service"
	pkgerrors "autograder/pkg/errors"
)

type publishedMessage struct {
	topic string
	msg   *mq.Message
}

type fakeQueue struct {
	published  []publishedMessage
	publishErr error
}

func (f *fakeQueue) Publish(ctx context.Context, topic string, message *mq.Message) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedMessage{topic: topic, msg: message})
	return nil
}

func (f *fakeQueue) PublishBatch(ctx context.Context, topic string, messages []*mq.Message) error {
	for _, m := range messages {
		if err := f.Publish(ctx, topic, m); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeQueue) Subscribe(ctx context.Context, topic string, handler mq.HandlerFunc) error {
	return nil
}

func (f *fakeQueue) SubscribeWithOptions(ctx context.Context, topic string, handler mq.HandlerFunc, opts *mq.SubscribeOptions) error {
	return nil
}

func (f *fakeQueue) Start() error  { return nil }
func (f *fakeQueue) Stop() error   { return nil }
func (f *fakeQueue) Pause() error  { return nil }
func (f *fakeQueue) Resume() error { return nil }

func (f *fakeQueue) Ping(ctx context.Context) error { return nil }
func (f *fakeQueue) Close() error                   { return nil }

func TestParsePoolRetryCount(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{name: "nil headers", headers: nil, want: 0},
		{name: "missing header", headers: map[string]string{"other": "1"}, want: 0},
		{name: "valid count", headers: map[string]string{"x-pool-retry": "3"}, want: 3},
		{name: "garbage value", headers: map[string]string{"x-pool-retry": "abc"}, want: 0},
		{name: "negative value", headers: map[string]string{"x-pool-retry": "-2"}, want: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := service.ParsePoolRetryCount(tt.headers); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestComputePoolBackoff(t *testing.T) {
	tests := []struct {
		name  string
		count int
		base  time.Duration
		max   time.Duration
		want  time.Duration
	}{
		{name: "zero base disables backoff", count: 3, base: 0, max: time.Minute, want: 0},
		{name: "first retry uses base", count: 0, base: time.Second, max: time.Minute, want: time.Second},
		{name: "doubles per retry", count: 2, base: time.Second, max: time.Minute, want: 4 * time.Second},
		{name: "capped at max", count: 10, base: time.Second, max: 30 * time.Second, want: 30 * time.Second},
		{name: "base above max clamps", count: 0, base: time.Minute, max: 30 * time.Second, want: 30 * time.Second},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := service.ComputePoolBackoff(tt.count, tt.base, tt.max); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestCloneMessageForRetry(t *testing.T) {
	original := &mq.Message{
		ID:         "msg-1",
		Body:       []byte(`{"submission_id":"s1"}`),
		Headers:    map[string]string{"trace_id": "abc"},
		Priority:   2,
		RetryCount: 3,
		MaxRetries: 5,
	}
	clone := service.CloneMessageForRetry(original, 2)
	if clone.ID != original.ID {
		t.Fatalf("clone must keep the message id, got %s", clone.ID)
	}
	if string(clone.Body) != string(original.Body) {
		t.Fatalf("clone must keep the body")
	}
	if clone.RetryCount != 0 {
		t.Fatalf("handler retry count must reset, got %d", clone.RetryCount)
	}
	if got := clone.Headers["x-pool-retry"]; got != "2" {
		t.Fatalf("expected pool retry header 2, got %q", got)
	}
	if got := clone.Headers["trace_id"]; got != "abc" {
		t.Fatalf("existing headers must carry over, got %q", got)
	}
	original.Headers["trace_id"] = "changed"
	if clone.Headers["trace_id"] != "abc" {
		t.Fatalf("clone headers must not alias the original map")
	}
}

func TestRequeueForPoolFullRepublishes(t *testing.T) {
	queue := &fakeQueue{}
	msg := mq.NewMessage([]byte(`{"submission_id":"s1"}`))
	msg.ID = "msg-1"

	err := service.RequeueForPoolFull(context.Background(), queue, "grader.retry", "grader.dead", 5, 0, 0, msg)
	if err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	if len(queue.published) != 1 {
		t.Fatalf("expected one publish, got %d", len(queue.published))
	}
	got := queue.published[0]
	if got.topic != "grader.retry" {
		t.Fatalf("expected retry topic, got %s", got.topic)
	}
	if got.msg.Headers["x-pool-retry"] != "1" {
		t.Fatalf("expected retry count 1, got %q", got.msg.Headers["x-pool-retry"])
	}
}

func TestRequeueForPoolFullExhaustedGoesToDeadLetter(t *testing.T) {
	queue := &fakeQueue{}
	msg := mq.NewMessage([]byte(`{"submission_id":"s1"}`))
	msg.ID = "msg-1"
	msg.SetHeader("x-pool-retry", "5")

	err := service.RequeueForPoolFull(context.Background(), queue, "grader.retry", "grader.dead", 5, 0, 0, msg)
	if err != nil {
		t.Fatalf("dead letter publish failed: %v", err)
	}
	if len(queue.published) != 1 {
		t.Fatalf("expected one publish, got %d", len(queue.published))
	}
	if queue.published[0].topic != "grader.dead" {
		t.Fatalf("expected dead letter topic, got %s", queue.published[0].topic)
	}
}

func TestRequeueForPoolFullExhaustedWithoutDeadLetter(t *testing.T) {
	queue := &fakeQueue{}
	msg := mq.NewMessage(nil)
	msg.SetHeader("x-pool-retry", "5")

	err := service.RequeueForPoolFull(context.Background(), queue, "grader.retry", "", 5, 0, 0, msg)
	if err == nil {
		t.Fatalf("expected error when retries are exhausted with no dead letter")
	}
	if code := pkgerrors.GetCode(err); code != pkgerrors.GraderPoolFull {
		t.Fatalf("expected GraderPoolFull, got %v", code)
	}
	if len(queue.published) != 0 {
		t.Fatalf("nothing should be published, got %d", len(queue.published))
	}
}

func TestRequeueForPoolFullCanceledDuringBackoff(t *testing.T) {
	queue := &fakeQueue{}
	msg := mq.NewMessage(nil)
	msg.SetHeader("x-pool-retry", "1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := service.RequeueForPoolFull(ctx, queue, "grader.retry", "grader.dead", 5, time.Minute, time.Minute, msg)
	if err == nil {
		t.Fatalf("expected context error during backoff")
	}
	if len(queue.published) != 0 {
		t.Fatalf("nothing should be published after cancellation, got %d", len(queue.published))
	}
}

func TestRequeueForPoolFullNilQueue(t *testing.T) {
	err := service.RequeueForPoolFull(context.Background(), nil, "grader.retry", "", 5, 0, 0, mq.NewMessage(nil))
	if err == nil {
		t.Fatalf("expected error for nil queue")
	}
	if code := pkgerrors.GetCode(err); code != pkgerrors.ServiceUnavailable {
		t.Fatalf("expected ServiceUnavailable, got %v", code)
	}
}
