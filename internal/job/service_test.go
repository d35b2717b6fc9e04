package job

import (
	"context"
	"errors"
	"testing"

	"Sentinel-Orchestrator/internal/envelope"
	xerrors "Sentinel-Orchestrator/internal/errors"
)

type failingProducer struct{ published int }

func (f *failingProducer) Publish(context.Context, string) error {
	f.published++
	return errors.New("broker down")
}

func (f *failingProducer) Close() error { return nil }

func TestServiceSubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	service := NewService(store, queue, 0)
	client := newTestCodec(t, "client")

	first, err := service.Submit(ctx, signedRequest(t, client, "dup-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if first.ID != "dup-1" || first.Requester != "client" || first.MaxRetries != DefaultMaxRetries {
		t.Fatalf("unexpected job: %+v", first)
	}
	second, err := service.Submit(ctx, signedRequest(t, client, "dup-1"))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same job, got %s", second.ID)
	}
	if len(queue.ch) != 1 {
		t.Fatalf("expected a single queued message, got %d", len(queue.ch))
	}

	stored, err := service.Get(ctx, "dup-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	req, err := envelope.Decode(stored.Request)
	if err != nil {
		t.Fatalf("decode stored request: %v", err)
	}
	if req.Signature == "" || envelope.String(req.Payload, "subject") != "0xabc" {
		t.Fatalf("stored request lost content: %+v", req)
	}
}

func TestServiceSubmitRejectsForeignJobID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	service := NewService(store, queue, 0)
	mallory := newTestCodec(t, "mallory")
	alice := newTestCodec(t, "alice")

	if _, err := service.Submit(ctx, signedRequest(t, mallory, "escrow-42")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got, err := service.Submit(ctx, signedRequest(t, alice, "escrow-42"))
	if err == nil {
		t.Fatalf("expected conflict, got job %+v", got)
	}
	if xerrors.CodeOf(err) != CodeJobConflict {
		t.Fatalf("expected %s, got %v", CodeJobConflict, err)
	}
	stored, err := service.Get(ctx, "escrow-42")
	if err != nil || stored.Requester != "mallory" {
		t.Fatalf("stored job changed: %+v %v", stored, err)
	}
	if len(queue.ch) != 1 {
		t.Fatalf("expected a single queued message, got %d", len(queue.ch))
	}
}

func TestServiceSubmitGeneratesID(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(4), 2)
	job, err := service.Submit(context.Background(), signedRequest(t, newTestCodec(t, "client"), ""))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected generated job id")
	}
}

func TestServiceSubmitUsesEscrowID(t *testing.T) {
	client := newTestCodec(t, "client")
	env, err := client.Sign(envelope.TypeRequest, map[string]any{
		"subject": "0xabc",
		"escrow":  map[string]any{"id": "escrow-9", "amount": 5},
	}, "")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if got := JobID(env); got != "escrow-9" {
		t.Fatalf("expected escrow id, got %q", got)
	}
}

func TestServiceSubmitValidation(t *testing.T) {
	ctx := context.Background()
	service := NewService(NewMemoryStore(), NewMemoryQueue(4), 3)
	client := newTestCodec(t, "client")

	unsigned := signedRequest(t, client, "u-1")
	unsigned.Signature = ""
	if _, err := service.Submit(ctx, unsigned); xerrors.CodeOf(err) != xerrors.CodeAuthentication {
		t.Fatalf("expected authentication error, got %v", err)
	}

	resp, err := client.Sign(envelope.TypeResponse, map[string]any{"subject": "0xabc"}, "")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := service.Submit(ctx, resp); xerrors.CodeOf(err) != CodeJobValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestServiceSubmitPublishFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	producer := &failingProducer{}
	service := NewService(store, producer, 3)

	_, err := service.Submit(ctx, signedRequest(t, newTestCodec(t, "client"), "p-1"))
	if xerrors.CodeOf(err) != CodeJobPublish {
		t.Fatalf("expected publish error, got %v", err)
	}
	job, err := store.Get(ctx, "p-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusFailed || job.ErrorCode != string(CodeJobPublish) {
		t.Fatalf("expected job marked failed, got %+v", job)
	}
}
