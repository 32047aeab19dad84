package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/wI2L/jsondiff"

	"github.com/iota-uz/regflow/modules/workflow/domain/events"
	"github.com/iota-uz/regflow/modules/workflow/domain/failures"
	"github.com/iota-uz/regflow/modules/workflow/domain/version"
	"github.com/iota-uz/regflow/pkg/composables"
)

const maxHistoryLimit = 200

type VersionService struct {
	d           Deps
	assignments *AssignmentService
}

func NewVersionService(d Deps, assignments *AssignmentService) *VersionService {
	return &VersionService{d: d.normalize(), assignments: assignments}
}

type CreateVersionInput struct {
	EntityType   string
	BusinessKey  string
	Payload      json.RawMessage
	Actor        string
	ChangeReason string
	// ExpectedParent is the head the caller based its change on. A stale
	// value fails with ConflictError instead of being retried.
	ExpectedParent *uuid.UUID
}

// Create appends a new version and moves the head of its key to it.
func (s *VersionService) Create(ctx context.Context, in CreateVersionInput) (*version.Version, error) {
	in.EntityType = strings.TrimSpace(in.EntityType)
	in.BusinessKey = strings.TrimSpace(in.BusinessKey)
	if in.BusinessKey == "" {
		return nil, failures.Invalid("business_key", "is required")
	}
	// Keys are addressed as a single path segment by the records routes.
	if strings.Contains(in.BusinessKey, "/") {
		return nil, failures.Invalid("business_key", "must not contain '/'")
	}
	if in.Actor == "" {
		return nil, failures.Invalid("actor", "is required")
	}
	payload, err := s.canonical(in.EntityType, in.Payload)
	if err != nil {
		return nil, err
	}
	in.Payload = payload

	return withRetry(ctx, s.d, "version_create", func(txCtx context.Context) (*version.Version, error) {
		return s.create(txCtx, in)
	})
}

func (s *VersionService) canonical(entityType string, payload json.RawMessage) (json.RawMessage, error) {
	et, ok := s.d.Registry.Lookup(entityType)
	if !ok {
		return nil, failures.Invalid("entity_type", "unknown entity type %q", entityType)
	}
	if err := et.ValidatePayload(payload); err != nil {
		return nil, failures.Invalid("payload", "%v", err)
	}
	out, err := et.Serialize(payload)
	if err != nil {
		return nil, failures.Invalid("payload", "%v", err)
	}
	return out, nil
}

func (s *VersionService) create(ctx context.Context, in CreateVersionInput) (*version.Version, error) {
	key := version.Key{EntityType: in.EntityType, BusinessKey: in.BusinessKey}
	head, err := s.d.Versions.Head(ctx, key)
	if err != nil {
		return nil, err
	}
	if in.ExpectedParent != nil && (head == nil || head.VersionID != *in.ExpectedParent) {
		return nil, failures.Conflict("version %s is no longer the latest of %s, reload and retry", *in.ExpectedParent, key)
	}

	now := s.d.now()
	v := &version.Version{
		ID:            uuid.New(),
		EntityType:    key.EntityType,
		BusinessKey:   key.BusinessKey,
		VersionNumber: 1,
		Payload:       in.Payload,
		ChangeReason:  in.ChangeReason,
		CreatedBy:     in.Actor,
		CreatedAt:     now,
		UpdatedAt:     now,
		Preparer:      version.DecisionFact{Decision: version.DecisionNone},
		Approver:      version.DecisionFact{Decision: version.DecisionNone},
		Status:        version.StatusDraft,
		IsLatest:      true,
	}
	var expected *uuid.UUID
	if head != nil {
		prevID := head.VersionID
		expected = &prevID
		v.VersionNumber = head.VersionNumber + 1
		v.ParentVersionID = &prevID
	}

	if err := s.d.Versions.Insert(ctx, v); err != nil {
		return nil, s.staleParent(err, in)
	}
	if err := s.d.Versions.MoveHead(ctx, key, expected, v); err != nil {
		return nil, s.staleParent(err, in)
	}
	if head != nil {
		if err := s.supersede(ctx, head.VersionID, v, in.Actor); err != nil {
			return nil, err
		}
	}

	ev, err := events.New(events.TopicVersionCreated, events.AggregateVersion, v.ID, in.Actor, now, events.VersionCreated{
		VersionID:       v.ID,
		EntityType:      v.EntityType,
		BusinessKey:     v.BusinessKey,
		VersionNumber:   v.VersionNumber,
		ParentVersionID: v.ParentVersionID,
	})
	if err := s.d.emit(ctx, ev, err); err != nil {
		return nil, err
	}

	composables.UseLogger(ctx).WithFields(logrus.Fields{
		"version_id":     v.ID,
		"key":            key.String(),
		"version_number": v.VersionNumber,
	}).Info("version created")
	return v, nil
}

// staleParent turns a lost race into a non-retryable conflict when the
// caller pinned the parent.
func (s *VersionService) staleParent(err error, in CreateVersionInput) error {
	if in.ExpectedParent != nil && failures.IsRetryable(err) {
		return &failures.ConflictError{
			Message: fmt.Sprintf("version %s is no longer the latest, reload and retry", *in.ExpectedParent),
			Cause:   err,
		}
	}
	return err
}

// supersede archives the previous head when it was never approved and
// cancels its open review.
func (s *VersionService) supersede(ctx context.Context, prevID uuid.UUID, next *version.Version, actor string) error {
	prev, err := s.d.Versions.Get(ctx, prevID)
	if err != nil {
		return err
	}
	if prev.Status != version.StatusDraft && prev.Status != version.StatusPendingApproval {
		return nil
	}
	old := prev.Status
	prev.Status = version.StatusArchived
	prev.UpdatedAt = s.d.now()
	if err := s.d.Versions.Update(ctx, prev, old); err != nil {
		return err
	}
	if old != version.StatusPendingApproval || s.assignments == nil {
		return nil
	}
	review := s.reviewWorkType(prev.EntityType)
	if review == "" {
		return nil
	}
	reason := fmt.Sprintf("superseded by version %d", next.VersionNumber)
	return s.assignments.cancelOpen(ctx, ContextVersion, prev.ID.String(), review, actor, reason)
}

func (s *VersionService) reviewWorkType(entityType string) string {
	if p, ok := s.d.Rules.Entity(entityType); ok && p.Review != nil {
		return p.Review.WorkType
	}
	return ""
}

func (s *VersionService) Get(ctx context.Context, id uuid.UUID) (*version.Version, error) {
	return s.d.Versions.Get(ctx, id)
}

func (s *VersionService) GetLatest(ctx context.Context, key version.Key) (*version.Version, error) {
	v, err := s.d.Versions.Latest(ctx, key)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, failures.NotFound("record", key.String())
	}
	return v, nil
}

func (s *VersionService) GetApproved(ctx context.Context, key version.Key) (*version.Version, error) {
	v, err := s.d.Versions.LatestApproved(ctx, key)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, failures.NotFound("approved version", key.String())
	}
	return v, nil
}

// ListHistory pages newest first; before is the version number to continue
// below and 0 starts at the head.
func (s *VersionService) ListHistory(ctx context.Context, key version.Key, before, limit int) ([]*version.Version, error) {
	if before < 0 {
		return nil, failures.Invalid("cursor", "must not be negative")
	}
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	return s.d.Versions.History(ctx, key, before, limit)
}

func (s *VersionService) ListDecisions(ctx context.Context, id uuid.UUID) ([]*version.DecisionRecord, error) {
	if _, err := s.d.Versions.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.d.Versions.ListDecisions(ctx, id)
}

// Revise applies an RFC 6902 patch to the payload of id and stores the result
// as its successor. id must still be the head of its key.
func (s *VersionService) Revise(ctx context.Context, id uuid.UUID, patch json.RawMessage, actor, reason string) (*version.Version, error) {
	base, err := s.d.Versions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return nil, failures.Invalid("patch", "%v", err)
	}
	payload, err := p.Apply(base.Payload)
	if err != nil {
		return nil, failures.Invalid("patch", "%v", err)
	}
	return s.Create(ctx, CreateVersionInput{
		EntityType:     base.EntityType,
		BusinessKey:    base.BusinessKey,
		Payload:        payload,
		Actor:          actor,
		ChangeReason:   reason,
		ExpectedParent: &base.ID,
	})
}

// Diff returns the RFC 6902 operations turning the payload of from into the
// payload of to. Both versions must belong to the same key.
func (s *VersionService) Diff(ctx context.Context, key version.Key, from, to uuid.UUID) (jsondiff.Patch, error) {
	a, err := s.d.Versions.Get(ctx, from)
	if err != nil {
		return nil, err
	}
	b, err := s.d.Versions.Get(ctx, to)
	if err != nil {
		return nil, err
	}
	if a.Key() != key || b.Key() != key {
		return nil, failures.Invalid("versions", "both versions must belong to %s", key)
	}
	patch, err := jsondiff.CompareJSON(a.Payload, b.Payload)
	if err != nil {
		return nil, errors.Wrap(err, "diff payloads")
	}
	return patch, nil
}
