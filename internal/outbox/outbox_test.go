package outbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-mu/internal/clock"
	"github.com/haasonsaas/nexus-mu/internal/eventlog"
	"github.com/haasonsaas/nexus-mu/pkg/models"
)

func newTestOutbox(t *testing.T, clk clock.Clock) *Outbox {
	t.Helper()
	dir := t.TempDir()
	events, err := eventlog.Open(filepath.Join(dir, "events.jsonl"), clk)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = events.Close() })
	ob, err := Open(filepath.Join(dir, "outbox.jsonl"), clk, events, Config{})
	if err != nil {
		t.Fatal(err)
	}
	return ob
}

func baseEnvelope(dedupeKey string) models.OutboxEnvelope {
	return models.OutboxEnvelope{
		Channel:   "slack",
		BindingID: "bind-1",
		Kind:      models.OutboxKindWake,
		Body:      "hello",
		DedupeKey: dedupeKey,
	}
}

func TestEnqueueSecondWithSameDedupeKeyIsDuplicate(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	ob := newTestOutbox(t, clk)

	id1, status1, err := ob.Enqueue(baseEnvelope("dk-1"))
	if err != nil {
		t.Fatal(err)
	}
	if status1 != EnqueueQueued {
		t.Fatalf("expected queued, got %v", status1)
	}

	id2, status2, err := ob.Enqueue(baseEnvelope("dk-1"))
	if err != nil {
		t.Fatal(err)
	}
	if status2 != EnqueueDuplicate {
		t.Fatalf("expected duplicate, got %v", status2)
	}
	if id2 != id1 {
		t.Fatalf("expected duplicate to point at the original id, got %s vs %s", id2, id1)
	}
}

func TestEnqueueAfterTerminalDeadAllowsReenqueue(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	ob := newTestOutbox(t, clk)

	id, _, err := ob.Enqueue(baseEnvelope("dk-2"))
	if err != nil {
		t.Fatal(err)
	}
	ob.transitionDead(id, "manual")

	_, status, err := ob.Enqueue(baseEnvelope("dk-2"))
	if err != nil {
		t.Fatal(err)
	}
	if status != EnqueueQueued {
		t.Fatalf("expected a fresh envelope to be queued after the prior one went dead, got %v", status)
	}
}

// TestDeliverOneTransientThenSuccess is the S6 seed scenario: a delivery
// fails transiently twice, then succeeds, giving a single terminal
// delivered envelope with attempt_count=3 and a queued/delivering/retried
// x2/delivered telemetry trail.
func TestDeliverOneTransientThenSuccess(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	ob := newTestOutbox(t, clk)

	var calls int
	ob.RegisterDriver("slack", DriverFunc(func(ctx context.Context, env models.OutboxEnvelope) DeliveryResult {
		calls++
		if calls < 3 {
			return DeliveryResult{Outcome: DeliveryFailedTransient, Reason: "timeout"}
		}
		return DeliveryResult{Outcome: DeliveryDelivered, DeliveryID: "msg-123"}
	}))

	id, _, err := ob.Enqueue(baseEnvelope("dk-3"))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		due := ob.RetryDue(clk.NowMs())
		if len(due) != 1 {
			t.Fatalf("attempt %d: expected exactly one due envelope, got %d", i+1, len(due))
		}
		if err := ob.DeliverOne(context.Background(), due[0].OutboxID); err != nil {
			t.Fatal(err)
		}
		env, _ := ob.Get(id)
		if env.State == models.OutboxStatePending {
			clk.Advance(time.Minute)
		}
	}

	final, ok := ob.Get(id)
	if !ok {
		t.Fatal("envelope disappeared")
	}
	if final.State != models.OutboxStateDelivered {
		t.Fatalf("expected delivered, got state=%s attempts=%d", final.State, final.AttemptCount)
	}
	if final.AttemptCount != 2 {
		t.Fatalf("expected attempt_count=2 (two recorded failures before the terminal success), got %d", final.AttemptCount)
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 driver invocations, got %d", calls)
	}
}

func TestDeliverOneDeadLettersAfterMaxAttempts(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	ob := newTestOutbox(t, clk)
	ob.RegisterDriver("slack", DriverFunc(func(ctx context.Context, env models.OutboxEnvelope) DeliveryResult {
		return DeliveryResult{Outcome: DeliveryFailedTransient, Reason: "boom"}
	}))

	env := baseEnvelope("dk-4")
	env.MaxAttempts = 2
	id, _, err := ob.Enqueue(env)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := ob.DeliverOne(context.Background(), id); err != nil {
			t.Fatal(err)
		}
		clk.Advance(time.Minute)
	}

	final, _ := ob.Get(id)
	if final.State != models.OutboxStateDead {
		t.Fatalf("expected dead after exhausting max_attempts, got %s", final.State)
	}
}

func TestDeliverOnePermanentFailureDeadLettersImmediately(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	ob := newTestOutbox(t, clk)
	ob.RegisterDriver("slack", DriverFunc(func(ctx context.Context, env models.OutboxEnvelope) DeliveryResult {
		return DeliveryResult{Outcome: DeliveryFailedPermanent, Reason: "channel_not_found"}
	}))

	id, _, err := ob.Enqueue(baseEnvelope("dk-5"))
	if err != nil {
		t.Fatal(err)
	}
	if err := ob.DeliverOne(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	final, _ := ob.Get(id)
	if final.State != models.OutboxStateDead {
		t.Fatalf("expected immediate dead letter on permanent failure, got %s attempts=%d", final.State, final.AttemptCount)
	}
	if final.AttemptCount != 0 {
		t.Fatalf("permanent failure should not increment attempt_count, got %d", final.AttemptCount)
	}
}

func TestDeliverOneSkipsWithoutRegisteredDriver(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	ob := newTestOutbox(t, clk)

	id, _, err := ob.Enqueue(baseEnvelope("dk-6"))
	if err != nil {
		t.Fatal(err)
	}
	if err := ob.DeliverOne(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	final, _ := ob.Get(id)
	if final.State != models.OutboxStateDelivering {
		t.Fatalf("expected envelope to remain in delivering with no driver registered, got %s", final.State)
	}
}

func TestDeliverOnePastEnvelopeCeilingDeadLetters(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	dir := t.TempDir()
	events, err := eventlog.Open(filepath.Join(dir, "events.jsonl"), clk)
	if err != nil {
		t.Fatal(err)
	}
	ob, err := Open(filepath.Join(dir, "outbox.jsonl"), clk, events, Config{EnvelopeCeiling: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	ob.RegisterDriver("slack", DriverFunc(func(ctx context.Context, env models.OutboxEnvelope) DeliveryResult {
		t.Fatal("driver should not be invoked once the envelope ceiling has elapsed")
		return DeliveryResult{}
	}))

	id, _, err := ob.Enqueue(baseEnvelope("dk-7"))
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Minute)

	if err := ob.DeliverOne(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	final, _ := ob.Get(id)
	if final.State != models.OutboxStateDead {
		t.Fatalf("expected dead letter once wall-clock ceiling elapsed, got %s", final.State)
	}
}

func TestRetryDueOrdersByNextAttemptThenCreated(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	ob := newTestOutbox(t, clk)

	idA, _, _ := ob.Enqueue(baseEnvelope("dk-a"))
	clk.Advance(time.Second)
	idB, _, _ := ob.Enqueue(baseEnvelope("dk-b"))

	due := ob.RetryDue(clk.NowMs())
	if len(due) != 2 {
		t.Fatalf("expected both envelopes due, got %d", len(due))
	}
	if due[0].OutboxID != idA || due[1].OutboxID != idB {
		t.Fatalf("expected ordering by (next_attempt_at_ms, created_at_ms), got %s then %s", due[0].OutboxID, due[1].OutboxID)
	}
}

type stubResolver struct {
	bindings []models.IdentityBinding
}

func (s stubResolver) ActiveBindings(ctx context.Context) ([]models.IdentityBinding, error) {
	return s.bindings, nil
}

func TestNotifyWakeFansOutToActiveBindings(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	ob := newTestOutbox(t, clk)
	ob.RegisterDriver("slack", DriverFunc(func(ctx context.Context, env models.OutboxEnvelope) DeliveryResult {
		return DeliveryResult{Outcome: DeliveryDelivered}
	}))
	ob.SetIdentityResolver(stubResolver{bindings: []models.IdentityBinding{
		{BindingID: "b1", Channel: "slack", ChannelTenantID: "t1", Active: true},
		{BindingID: "b2", Channel: "discord", ChannelTenantID: "t1", Active: true},
	}})

	event := models.WakeEvent{WakeID: "w1", DedupeKey: "dk-wake-1", Title: "tick"}
	decision := models.WakeDecision{WakeID: "w1", Outcome: models.WakeOutcomeTriggered}

	summary := ob.NotifyWake(context.Background(), event, decision)
	if summary.Queued != 1 || summary.Skipped != 1 {
		t.Fatalf("expected one queued (slack driver registered) and one skipped (no discord driver), got %+v", summary)
	}
}

func TestNotifyWakeIsIdempotentPerBindingOnRepeatWake(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	ob := newTestOutbox(t, clk)
	ob.RegisterDriver("slack", DriverFunc(func(ctx context.Context, env models.OutboxEnvelope) DeliveryResult {
		return DeliveryResult{Outcome: DeliveryDelivered}
	}))
	ob.SetIdentityResolver(stubResolver{bindings: []models.IdentityBinding{
		{BindingID: "b1", Channel: "slack", ChannelTenantID: "t1", Active: true},
	}})

	event := models.WakeEvent{WakeID: "w1", DedupeKey: "dk-wake-2", Title: "tick"}
	decision := models.WakeDecision{WakeID: "w1", Outcome: models.WakeOutcomeTriggered}

	first := ob.NotifyWake(context.Background(), event, decision)
	second := ob.NotifyWake(context.Background(), event, decision)
	if first.Queued != 1 {
		t.Fatalf("expected first fan-out to queue one envelope, got %+v", first)
	}
	if second.Duplicate != 1 {
		t.Fatalf("expected second fan-out for the same wake_id to be a duplicate, got %+v", second)
	}
}

func TestRunPollsAndDeliversDueEnvelopesOnAdvance(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	ob := newTestOutbox(t, clk)
	var delivered int
	ob.RegisterDriver("slack", DriverFunc(func(ctx context.Context, env models.OutboxEnvelope) DeliveryResult {
		delivered++
		return DeliveryResult{Outcome: DeliveryDelivered}
	}))

	id, _, err := ob.Enqueue(baseEnvelope("dk-run"))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ob.Run(ctx)
	clk.Advance(time.Second)

	if delivered != 1 {
		t.Fatalf("expected the worker's first poll tick to deliver the due envelope, got %d deliveries", delivered)
	}
	env, _ := ob.Get(id)
	if env.State != models.OutboxStateDelivered {
		t.Fatalf("expected delivered after the worker tick, got %s", env.State)
	}
}
