package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/nexus-mu/internal/apperr"
	"github.com/haasonsaas/nexus-mu/internal/dag"
	"github.com/haasonsaas/nexus-mu/internal/pipeline"
	"github.com/haasonsaas/nexus-mu/pkg/models"
)

// prometheusRegistry builds a fresh registry for one process, rather than
// reaching for the implicit global one promauto defaults to — so a
// second core (e.g. a test harness spinning up two daemons in one
// process) never collides on collector names.
func prometheusRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// unconfiguredBackend is the error every stand-in below returns: the
// issue graph, forum log, and run executor are external collaborators
// that C8 only defines narrow call-through interfaces for; this module
// ships no concrete one, so a deployment that hasn't wired its own gets
// a precondition_failed instead of a nil-pointer panic.
var errRunBackendUnconfigured = apperr.PreconditionFailed("run_backend_unconfigured",
	"no issue graph, forum, or run executor is wired into this deployment")

// unconfiguredIssueStore is dag.Open's IssueStore argument when no
// collaborator has been wired. Every call reports the same precondition
// failure so /api/control-plane/runs/* surfaces a clear cause instead of
// mysteriously doing nothing.
type unconfiguredIssueStore struct{}

func (unconfiguredIssueStore) Get(ctx context.Context, id string) (models.Issue, bool, error) {
	return models.Issue{}, false, errRunBackendUnconfigured
}
func (unconfiguredIssueStore) Subtree(ctx context.Context, rootID string) ([]models.Issue, error) {
	return nil, errRunBackendUnconfigured
}
func (unconfiguredIssueStore) Validate(ctx context.Context, rootID string) (dag.ValidateResult, error) {
	return dag.ValidateResult{}, errRunBackendUnconfigured
}
func (unconfiguredIssueStore) Ready(ctx context.Context, rootID string, tags []string) ([]models.Issue, error) {
	return nil, errRunBackendUnconfigured
}
func (unconfiguredIssueStore) Claim(ctx context.Context, id string) error {
	return errRunBackendUnconfigured
}
func (unconfiguredIssueStore) Close(ctx context.Context, id string, outcome models.IssueOutcome) error {
	return errRunBackendUnconfigured
}
func (unconfiguredIssueStore) Reopen(ctx context.Context, id string, tags []string) error {
	return errRunBackendUnconfigured
}
func (unconfiguredIssueStore) Create(ctx context.Context, issue models.Issue) (models.Issue, error) {
	return models.Issue{}, errRunBackendUnconfigured
}

// unconfiguredForum is dag.Open's Forum argument when no forum log has
// been wired.
type unconfiguredForum struct{}

func (unconfiguredForum) Post(ctx context.Context, issueID, message string) error {
	return errRunBackendUnconfigured
}

// unconfiguredExecutor is dag.Open's RunExecutor argument when no agent
// backend has been wired. spec is explicit that no concrete model SDK
// lives behind this interface in this module.
type unconfiguredExecutor struct{}

func (unconfiguredExecutor) Execute(ctx context.Context, in dag.StepInput) (dag.StepOutput, error) {
	return dag.StepOutput{}, errRunBackendUnconfigured
}

// unconfiguredMutator is the pipeline.Mutator used until a deployment
// wires its own issue-graph mutation logic behind C6.
func unconfiguredMutator(ctx context.Context, req pipeline.Request) (pipeline.Result, error) {
	return pipeline.Result{}, errRunBackendUnconfigured
}
