// Package identity implements the identity binding registry (§3): the
// mapping from an operator to a channel actor that C7's wake fan-out
// (NotifyWake) reads to find where a notify-mode wake should be delivered.
// Modeled on the heartbeat (C3) and cron (C4) registries' Open/Create/
// Update/List shape over a single store.Table.
package identity

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-mu/internal/clock"
	"github.com/haasonsaas/nexus-mu/internal/eventlog"
	"github.com/haasonsaas/nexus-mu/internal/store"
	"github.com/haasonsaas/nexus-mu/pkg/models"
)

func generateBindingID() string {
	return "ib-" + uuid.NewString()
}

// ErrActiveBindingExists is returned by Create when the (channel, tenant,
// actor) triple already has an active binding, per §3's uniqueness rule.
type ErrActiveBindingExists struct {
	Key string
}

func (e *ErrActiveBindingExists) Error() string {
	return "an active identity binding already exists for " + e.Key
}

// CreateParams are the fields a caller sets when creating a binding.
type CreateParams struct {
	OperatorID      string
	Channel         models.ChannelType
	ChannelTenantID string
	ChannelActorID  string
	Scopes          []string
}

// ListFilter narrows List results.
type ListFilter struct {
	OperatorID string
	Channel    models.ChannelType
	Active     *bool
	Limit      int
}

// Registry is the identity binding registry.
type Registry struct {
	clock  clock.Clock
	table  *store.Table[models.IdentityBinding]
	events *eventlog.Log

	mu sync.Mutex
}

// Open loads (or creates) the registry's backing file.
func Open(path string, clk clock.Clock, events *eventlog.Log) (*Registry, error) {
	tbl := store.NewTable(path,
		func(b models.IdentityBinding) string { return b.BindingID },
		func(b models.IdentityBinding) models.IdentityBinding { return *b.Clone() },
		func(b models.IdentityBinding) (int64, string) { return b.CreatedAtMs, b.BindingID },
	)
	if err := tbl.Load(); err != nil {
		return nil, err
	}
	return &Registry{clock: clk, table: tbl, events: events}, nil
}

// Create installs a new binding, rejecting it with ErrActiveBindingExists
// if the (channel, tenant, actor) triple already has an active binding.
func (r *Registry) Create(params CreateParams) (models.IdentityBinding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidate := models.IdentityBinding{
		Channel:         params.Channel,
		ChannelTenantID: params.ChannelTenantID,
		ChannelActorID:  params.ChannelActorID,
	}
	key := candidate.Key()
	for _, existing := range r.table.List() {
		if existing.Active && existing.Key() == key {
			return models.IdentityBinding{}, &ErrActiveBindingExists{Key: key}
		}
	}

	now := r.clock.NowMs()
	b := models.IdentityBinding{
		BindingID:       generateBindingID(),
		OperatorID:      params.OperatorID,
		Channel:         params.Channel,
		ChannelTenantID: params.ChannelTenantID,
		ChannelActorID:  params.ChannelActorID,
		Scopes:          params.Scopes,
		Active:          true,
		CreatedAtMs:     now,
	}
	if err := r.table.Put(b); err != nil {
		return models.IdentityBinding{}, err
	}
	r.emit("identity_binding.created", b)
	return b, nil
}

// Get returns one binding by id.
func (r *Registry) Get(bindingID string) (models.IdentityBinding, bool) {
	return r.table.Get(bindingID)
}

// List returns bindings matching filter, sorted by (created_at_ms, binding_id).
func (r *Registry) List(filter ListFilter) []models.IdentityBinding {
	all := r.table.List()
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAtMs != all[j].CreatedAtMs {
			return all[i].CreatedAtMs < all[j].CreatedAtMs
		}
		return all[i].BindingID < all[j].BindingID
	})
	out := make([]models.IdentityBinding, 0, len(all))
	for _, b := range all {
		if filter.OperatorID != "" && b.OperatorID != filter.OperatorID {
			continue
		}
		if filter.Channel != "" && b.Channel != filter.Channel {
			continue
		}
		if filter.Active != nil && b.Active != *filter.Active {
			continue
		}
		out = append(out, b)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Revoke marks a binding inactive. Returns false if the binding does not
// exist or is already revoked.
func (r *Registry) Revoke(bindingID string) (models.IdentityBinding, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var updated models.IdentityBinding
	found := false
	now := r.clock.NowMs()
	err := r.table.Mutate(bindingID, func(existing models.IdentityBinding, ok bool) (models.IdentityBinding, bool) {
		if !ok || !existing.Active {
			return existing, false
		}
		found = true
		existing.Active = false
		existing.RevokedAtMs = now
		updated = existing
		return existing, true
	})
	if err != nil || !found {
		return models.IdentityBinding{}, false, err
	}
	r.emit("identity_binding.revoked", updated)
	return updated, true, nil
}

// ActiveBindings implements outbox.IdentityResolver: it returns every
// currently-active binding, the set C7's NotifyWake fans a wake out to.
func (r *Registry) ActiveBindings(ctx context.Context) ([]models.IdentityBinding, error) {
	active := true
	return r.List(ListFilter{Active: &active}), nil
}

func (r *Registry) emit(eventType string, b models.IdentityBinding) {
	if r.events == nil {
		return
	}
	_ = r.events.Emit(eventType, "identity_registry",
		eventlog.WithPayload(map[string]any{
			"binding_id": b.BindingID, "operator_id": b.OperatorID, "channel": b.Channel,
			"channel_tenant_id": b.ChannelTenantID, "channel_actor_id": b.ChannelActorID, "active": b.Active,
		}))
}
