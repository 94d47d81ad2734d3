// Package apply hosts the atomic commit applier, the single authorized
// entry point for writing entity state.
//
// The applier holds the governance monitor's only mutation authority and
// turns one finalized set of staged changes into a bounded sequence of
// batches: exactly one root field update, at most one auxiliary deletion
// batch, at most one auxiliary creation batch, then exactly one downstream
// recomputation. Every batch is announced to the monitor and counted
// against the build-application invariant policy.
package apply

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	apperrors "github.com/sagaforge/progression/internal/platform/errors"
	"github.com/sagaforge/progression/internal/services/progression/domain/governance"
	"github.com/sagaforge/progression/internal/services/progression/domain/sheet"
	"github.com/sagaforge/progression/internal/services/progression/storage"
)

const applierSource = "apply.Applier"

// Mutation type names announced to the governance monitor.
const (
	MutationRootBatch     = "root_batch"
	MutationRecordsDelete = "records_delete"
	MutationRecordsCreate = "records_create"
)

var tracer = otel.Tracer("progression/apply")

// Request is one finalized commit: the flattened field update map plus the
// auxiliary record batches that accompany it.
type Request struct {
	EntityID    string
	Updates     []storage.FieldUpdate
	DeleteRefs  []string
	CreateSpecs []storage.RecordSpec
}

// Result reports what one commit applied.
type Result struct {
	Created        []sheet.Record
	MutationEvents int
}

// Applier owns the mutation authority and the commit sequence.
type Applier struct {
	monitor *governance.Monitor
	auth    *governance.Authority
	store   storage.EntityStore
}

// New constructs the applier and claims the monitor's single mutation
// authority. Constructing a second applier against the same monitor fails.
func New(monitor *governance.Monitor, store storage.EntityStore) (*Applier, error) {
	auth, err := monitor.IssueAuthority()
	if err != nil {
		return nil, err
	}
	return &Applier{monitor: monitor, auth: auth, store: store}, nil
}

// Apply executes one commit inside a build-application transaction.
//
// A root update failure aborts before any auxiliary batch runs and the
// caller sees the original error. A failure after the root update succeeded
// surfaces as a partial-failure error naming the failed batch; the root
// update is not reversed. Cross-batch rollback is out of scope.
func (a *Applier) Apply(ctx context.Context, req Request) (Result, error) {
	ctx, span := tracer.Start(ctx, "apply.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("entity.id", req.EntityID),
		attribute.Int("apply.fields", len(req.Updates)),
	)

	if err := a.monitor.StartTransaction(governance.OperationBuildApply, applierSource, true); err != nil {
		return Result{}, err
	}

	var res Result
	if err := a.store.ApplyBatch(ctx, a.auth, req.EntityID, req.Updates); err != nil {
		a.monitor.AbortTransaction()
		return Result{}, apperrors.WrapWithMetadata(apperrors.CodeApplyRootFailed,
			"root update batch failed",
			map[string]string{"entity_id": req.EntityID},
			err)
	}
	a.monitor.RecordMutation(MutationRootBatch)
	res.MutationEvents++

	if len(req.DeleteRefs) > 0 {
		if err := a.store.DeleteRecords(ctx, a.auth, req.EntityID, req.DeleteRefs); err != nil {
			a.monitor.AbortTransaction()
			return res, a.partialFailure(req.EntityID, "records_delete", res.MutationEvents, err)
		}
		a.monitor.RecordMutation(MutationRecordsDelete)
		res.MutationEvents++
	}

	if len(req.CreateSpecs) > 0 {
		created, err := a.store.CreateRecords(ctx, a.auth, req.EntityID, req.CreateSpecs)
		if err != nil {
			a.monitor.AbortTransaction()
			return res, a.partialFailure(req.EntityID, "records_create", res.MutationEvents, err)
		}
		res.Created = created
		a.monitor.RecordMutation(MutationRecordsCreate)
		res.MutationEvents++
	}

	if err := a.store.Recompute(ctx, a.auth, req.EntityID); err != nil {
		a.monitor.AbortTransaction()
		return res, a.partialFailure(req.EntityID, "recompute", res.MutationEvents, err)
	}
	a.monitor.RecordDerivedRecalc()

	if err := a.monitor.EndTransaction(); err != nil {
		return res, err
	}
	return res, nil
}

// partialFailure wraps a post-root batch error with enough detail to
// reconstruct what was and was not applied.
func (a *Applier) partialFailure(entityID, failedBatch string, applied int, cause error) error {
	return apperrors.WrapWithMetadata(apperrors.CodeApplyPartialFailure,
		"commit applied the root update but batch "+failedBatch+" failed; no compensating rollback is attempted",
		map[string]string{
			"entity_id":         entityID,
			"failed_batch":      failedBatch,
			"applied_mutations": strconv.Itoa(applied),
		},
		cause)
}
