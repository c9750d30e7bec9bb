// Package outbox implements the outbox and delivery subsystem (C7): a
// per-binding envelope queue with dedup by key, attempt counts, retry
// backoff, and dead-lettering, plus the notify fan-out the wake
// orchestrator (C5) hands wakes to in passive mode.
package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/nexus-mu/internal/backoff"
	"github.com/haasonsaas/nexus-mu/internal/clock"
	"github.com/haasonsaas/nexus-mu/internal/eventlog"
	"github.com/haasonsaas/nexus-mu/internal/observability"
	"github.com/haasonsaas/nexus-mu/internal/store"
	"github.com/haasonsaas/nexus-mu/internal/wake"
	"github.com/haasonsaas/nexus-mu/pkg/models"
)

func generateOutboxID() string {
	return "ob-" + uuid.NewString()
}

// DeliveryOutcome is what a channel Driver reports back for one attempt.
type DeliveryOutcome string

const (
	DeliveryDelivered        DeliveryOutcome = "delivered"
	DeliveryFailedTransient  DeliveryOutcome = "failed_transient"
	DeliveryFailedPermanent  DeliveryOutcome = "failed_permanent"
)

// DeliveryResult is what Driver.Deliver returns.
type DeliveryResult struct {
	Outcome    DeliveryOutcome
	DeliveryID string
	Reason     string
}

// Driver is a per-channel delivery backend. Concrete drivers (Slack,
// Discord, Telegram, Neovim, VSCode) live under internal/channels.
type Driver interface {
	Deliver(ctx context.Context, envelope models.OutboxEnvelope) DeliveryResult
}

// DriverFunc adapts a function to Driver.
type DriverFunc func(ctx context.Context, envelope models.OutboxEnvelope) DeliveryResult

func (f DriverFunc) Deliver(ctx context.Context, envelope models.OutboxEnvelope) DeliveryResult {
	return f(ctx, envelope)
}

// EnqueueStatus is returned by Enqueue.
type EnqueueStatus string

const (
	EnqueueQueued    EnqueueStatus = "queued"
	EnqueueDuplicate EnqueueStatus = "duplicate"
)

const (
	defaultAttemptTimeout   = 10 * time.Second
	defaultEnvelopeCeiling  = time.Hour
)

// Config bundles the outbox's tunables.
type Config struct {
	AttemptTimeout  time.Duration // default 10s
	EnvelopeCeiling time.Duration // default 1h
	RetryPolicy     backoff.UniformJitterPolicy
	Metrics         *observability.Metrics // optional
	Tracer          *observability.Tracer  // optional
}

// Outbox is the C7 per-binding envelope queue and delivery worker.
type Outbox struct {
	clock  clock.Clock
	table  *store.Table[models.OutboxEnvelope]
	events *eventlog.Log
	cfg    Config

	mu       sync.RWMutex
	drivers  map[models.ChannelType]Driver
	resolver IdentityResolver
	worker   clock.Handle
}

const workerPollInterval = time.Second

// Run starts the single shared delivery worker — one worker is correct
// provided it polls each channel fairly — draining due envelopes once
// per poll tick. Stop cancels it.
func (o *Outbox) Run(ctx context.Context) {
	o.worker = o.clock.Interval(workerPollInterval, func() {
		for _, env := range o.RetryDue(o.clock.NowMs()) {
			if ctx.Err() != nil {
				return
			}
			_ = o.DeliverOne(ctx, env.OutboxID)
		}
	})
}

// Stop cancels the delivery worker.
func (o *Outbox) Stop() {
	if o.worker != nil {
		o.clock.Cancel(o.worker)
	}
}

// IdentityResolver is the identity binding registry as seen by the outbox's
// notify fan-out.
type IdentityResolver interface {
	ActiveBindings(ctx context.Context) ([]models.IdentityBinding, error)
}

// Open loads (or creates) the outbox's backing file.
func Open(path string, clk clock.Clock, events *eventlog.Log, cfg Config) (*Outbox, error) {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.EnvelopeCeiling <= 0 {
		cfg.EnvelopeCeiling = defaultEnvelopeCeiling
	}
	if cfg.RetryPolicy == (backoff.UniformJitterPolicy{}) {
		cfg.RetryPolicy = backoff.OutboxRetryPolicy()
	}
	tbl := store.NewTable(path,
		func(e models.OutboxEnvelope) string { return e.OutboxID },
		func(e models.OutboxEnvelope) models.OutboxEnvelope { return *e.Clone() },
		func(e models.OutboxEnvelope) (int64, string) { return e.CreatedAtMs, e.OutboxID },
	)
	if err := tbl.Load(); err != nil {
		return nil, err
	}
	return &Outbox{
		clock:   clk,
		table:   tbl,
		events:  events,
		cfg:     cfg,
		drivers: make(map[models.ChannelType]Driver),
	}, nil
}

// RegisterDriver installs the delivery driver for a channel.
func (o *Outbox) RegisterDriver(channel models.ChannelType, driver Driver) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.drivers[channel] = driver
}

// SetIdentityResolver wires the identity binding registry for notify fan-out.
func (o *Outbox) SetIdentityResolver(resolver IdentityResolver) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resolver = resolver
}

// Enqueue installs a new envelope, or attaches to an existing blocking
// envelope sharing the same dedupe_key.
func (o *Outbox) Enqueue(env models.OutboxEnvelope) (string, EnqueueStatus, error) {
	for _, existing := range o.table.List() {
		if existing.DedupeKey == env.DedupeKey && existing.IsBlocking() {
			return existing.OutboxID, EnqueueDuplicate, nil
		}
	}

	now := o.clock.NowMs()
	env.OutboxID = generateOutboxID()
	env.State = models.OutboxStatePending
	env.AttemptCount = 0
	if env.MaxAttempts <= 0 {
		env.MaxAttempts = models.DefaultMaxAttempts
	}
	env.NextAttemptAtMs = now
	env.CreatedAtMs = now
	env.UpdatedAtMs = now

	if err := o.table.Put(env); err != nil {
		return "", "", err
	}
	o.emitDelivery("queued", "", env, "")
	return env.OutboxID, EnqueueQueued, nil
}

// Get returns one envelope by id.
func (o *Outbox) Get(id string) (models.OutboxEnvelope, bool) {
	return o.table.Get(id)
}

// ListFilter narrows List results.
type ListFilter struct {
	State   models.OutboxState
	Channel models.ChannelType
	Limit   int
}

// List returns envelopes matching filter.
func (o *Outbox) List(filter ListFilter) []models.OutboxEnvelope {
	all := o.table.List()
	out := make([]models.OutboxEnvelope, 0, len(all))
	for _, e := range all {
		if filter.State != "" && e.State != filter.State {
			continue
		}
		if filter.Channel != "" && e.Channel != filter.Channel {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// RetryDue returns pending envelopes whose next_attempt_at_ms has elapsed,
// ordered by (next_attempt_at_ms, created_at_ms).
func (o *Outbox) RetryDue(now int64) []models.OutboxEnvelope {
	var due []models.OutboxEnvelope
	for _, e := range o.table.List() {
		if e.State == models.OutboxStatePending && e.NextAttemptAtMs <= now {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAtMs != due[j].NextAttemptAtMs {
			return due[i].NextAttemptAtMs < due[j].NextAttemptAtMs
		}
		return due[i].CreatedAtMs < due[j].CreatedAtMs
	})
	return due
}

// DeliverOne runs a single attempt against outboxID's channel driver,
// applying the full pending -> in-flight -> delivered/failed state
// machine.
func (o *Outbox) DeliverOne(ctx context.Context, outboxID string) error {
	env, ok := o.table.Get(outboxID)
	if !ok {
		return fmt.Errorf("outbox: unknown envelope %s", outboxID)
	}

	now := o.clock.Now()
	if now.UnixMilli()-env.CreatedAtMs > o.cfg.EnvelopeCeiling.Milliseconds() {
		o.transitionDead(outboxID, "envelope_wall_clock_ceiling_exceeded")
		return nil
	}

	o.transitionDelivering(outboxID)

	o.mu.RLock()
	driver, ok := o.drivers[env.Channel]
	o.mu.RUnlock()
	if !ok {
		o.emitDelivery("skipped", "no_driver_for_channel", env, "")
		return nil
	}

	attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
	defer cancel()
	if o.cfg.Tracer != nil {
		var span trace.Span
		attemptCtx, span = o.cfg.Tracer.TraceOutboxAttempt(attemptCtx, env.OutboxID, string(env.Channel), env.AttemptCount+1)
		defer span.End()
	}
	started := o.clock.Now()
	result := driver.Deliver(attemptCtx, env)
	if attemptCtx.Err() == context.DeadlineExceeded && result.Outcome != DeliveryDelivered {
		result = DeliveryResult{Outcome: DeliveryFailedTransient, Reason: "attempt_timeout"}
	}
	o.cfg.Metrics.RecordOutboxAttempt(string(env.Channel), string(result.Outcome), o.clock.Now().Sub(started).Seconds())

	switch result.Outcome {
	case DeliveryDelivered:
		o.transitionDelivered(outboxID, result.DeliveryID)
	case DeliveryFailedPermanent:
		o.transitionDead(outboxID, result.Reason)
	default: // transient
		o.transitionFailedTransient(outboxID, result.Reason)
	}
	return nil
}

func (o *Outbox) transitionDelivering(id string) {
	var snapshot models.OutboxEnvelope
	_ = o.table.Mutate(id, func(e models.OutboxEnvelope, ok bool) (models.OutboxEnvelope, bool) {
		if !ok {
			return e, false
		}
		e.State = models.OutboxStateDelivering
		e.UpdatedAtMs = o.clock.NowMs()
		snapshot = e
		return e, true
	})
	o.emitDelivery("delivering", "", snapshot, "")
}

func (o *Outbox) transitionDelivered(id, deliveryID string) {
	var snapshot models.OutboxEnvelope
	_ = o.table.Mutate(id, func(e models.OutboxEnvelope, ok bool) (models.OutboxEnvelope, bool) {
		if !ok {
			return e, false
		}
		e.State = models.OutboxStateDelivered
		e.UpdatedAtMs = o.clock.NowMs()
		snapshot = e
		return e, true
	})
	o.emitDelivery("delivered", "", snapshot, deliveryID)
}

func (o *Outbox) transitionFailedTransient(id, reason string) {
	var snapshot models.OutboxEnvelope
	var wentDead bool
	_ = o.table.Mutate(id, func(e models.OutboxEnvelope, ok bool) (models.OutboxEnvelope, bool) {
		if !ok {
			return e, false
		}
		e.AttemptCount++
		e.LastError = reason
		if e.AttemptCount >= e.MaxAttempts {
			e.State = models.OutboxStateDead
			wentDead = true
		} else {
			e.State = models.OutboxStatePending
			delay := backoff.ComputeUniformJitterBackoff(o.cfg.RetryPolicy, e.AttemptCount)
			e.NextAttemptAtMs = o.clock.NowMs() + delay.Milliseconds()
		}
		e.UpdatedAtMs = o.clock.NowMs()
		snapshot = e
		return e, true
	})
	if wentDead {
		o.emitDelivery("dead_letter", reason, snapshot, "")
	} else {
		o.emitDelivery("retried", reason, snapshot, "")
	}
}

func (o *Outbox) transitionDead(id, reason string) {
	var snapshot models.OutboxEnvelope
	_ = o.table.Mutate(id, func(e models.OutboxEnvelope, ok bool) (models.OutboxEnvelope, bool) {
		if !ok {
			return e, false
		}
		e.State = models.OutboxStateDead
		e.LastError = reason
		e.UpdatedAtMs = o.clock.NowMs()
		snapshot = e
		return e, true
	})
	o.emitDelivery("dead_letter", reason, snapshot, "")
}

func (o *Outbox) emitDelivery(state, reasonCode string, env models.OutboxEnvelope, deliveryID string) {
	if o.events == nil {
		return
	}
	_ = o.events.Emit("operator.wake.delivery", "outbox", eventlog.WithPayload(map[string]any{
		"state":            state,
		"reason_code":      reasonCode,
		"binding_id":       env.BindingID,
		"channel":          env.Channel,
		"outbox_id":        env.OutboxID,
		"outbox_dedupe_key": env.DedupeKey,
		"attempt_count":    env.AttemptCount,
		"delivery_id":      deliveryID,
	}))
}

// NotifyWake implements wake.Notifier: fan out a wake to every active
// identity binding, enqueuing one envelope per (channel, binding) pair
// with a per-binding dedupe key.
func (o *Outbox) NotifyWake(ctx context.Context, event models.WakeEvent, decision models.WakeDecision) wake.DeliverySummary {
	summary := wake.DeliverySummary{}
	if o.resolver == nil {
		return summary
	}
	bindings, err := o.resolver.ActiveBindings(ctx)
	if err != nil {
		return summary
	}

	for _, binding := range bindings {
		o.mu.RLock()
		_, hasDriver := o.drivers[binding.Channel]
		o.mu.RUnlock()
		if !hasDriver {
			summary.Skipped++
			continue
		}

		dedupeKey := fmt.Sprintf("%s:wake:%s:%s:%s", event.DedupeKey, event.WakeID, binding.Channel, binding.BindingID)
		env := models.OutboxEnvelope{
			Channel:         binding.Channel,
			ChannelTenantID: binding.ChannelTenantID,
			BindingID:       binding.BindingID,
			Kind:            models.OutboxKindWake,
			Body:            event.Title,
			DedupeKey:       dedupeKey,
			Metadata: map[string]any{
				"wake_delivery_reason": "heartbeat_cron_wake",
				"wake_turn_outcome":    decision.Outcome,
				"wake_turn_reason":     decision.Reason,
			},
		}
		_, status, err := o.Enqueue(env)
		if err != nil {
			summary.Skipped++
			continue
		}
		if status == EnqueueDuplicate {
			summary.Duplicate++
		} else {
			summary.Queued++
		}
	}
	return summary
}
