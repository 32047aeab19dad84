package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/regflow/modules/workflow/domain/assignment"
	"github.com/iota-uz/regflow/modules/workflow/domain/events"
	"github.com/iota-uz/regflow/modules/workflow/domain/failures"
	"github.com/iota-uz/regflow/modules/workflow/domain/policy"
	"github.com/iota-uz/regflow/modules/workflow/domain/version"
	"github.com/iota-uz/regflow/pkg/composables"
)

// maxAncestors bounds parent chain walks.
const maxAncestors = 64

type DecisionService struct {
	d           Deps
	versions    *VersionService
	assignments *AssignmentService
}

func NewDecisionService(d Deps, versions *VersionService, assignments *AssignmentService) *DecisionService {
	return &DecisionService{d: d.normalize(), versions: versions, assignments: assignments}
}

type DecisionInput struct {
	Decision version.Decision
	Reason   string
	Actor    string
}

func (s *DecisionService) validate(in *DecisionInput) error {
	in.Reason = strings.TrimSpace(in.Reason)
	if in.Actor == "" {
		return failures.Invalid("actor", "is required")
	}
	switch in.Decision {
	case version.DecisionAccepted:
	case version.DecisionRejected:
		if len([]rune(in.Reason)) < s.d.Options.MinReasonLength {
			return failures.Invalid("reason", "a rejection needs a reason of at least %d characters", s.d.Options.MinReasonLength)
		}
	default:
		return failures.Invalid("decision", "must be accepted or rejected")
	}
	return nil
}

// RecordPreparerDecision renders the first-line decision on the head version
// of a key.
func (s *DecisionService) RecordPreparerDecision(ctx context.Context, id uuid.UUID, in DecisionInput) (*version.Version, error) {
	if err := s.validate(&in); err != nil {
		return nil, err
	}
	return withRetry(ctx, s.d, "version_preparer_decision", func(txCtx context.Context) (*version.Version, error) {
		v, err := s.d.Versions.Get(txCtx, id)
		if err != nil {
			return nil, err
		}
		switch {
		case v.Status == version.StatusApproved:
			return nil, failures.InvalidState("version %d of %s is already approved and cannot be re-decided", v.VersionNumber, v.Key())
		case v.Status == version.StatusRequiresChanges:
			// An approver rejection always creates a successor; the revision is decided there.
			return nil, failures.InvalidState("version %d of %s requires changes; decide on its revision instead", v.VersionNumber, v.Key())
		case v.Status != version.StatusDraft:
			return nil, failures.InvalidState("a preparer decision is not allowed while the version is %s", v.Status)
		case !v.IsLatest:
			return nil, failures.InvalidState("version %d of %s has been superseded", v.VersionNumber, v.Key())
		case v.Preparer.Recorded():
			return nil, failures.InvalidState("the preparer decision on version %d of %s is already recorded", v.VersionNumber, v.Key())
		}
		return s.preparer(txCtx, v, in)
	})
}

func (s *DecisionService) preparer(ctx context.Context, v *version.Version, in DecisionInput) (*version.Version, error) {
	now := s.d.now()
	old := v.Status
	v.Preparer = version.DecisionFact{Decision: in.Decision, Reason: in.Reason, Actor: in.Actor, At: &now}
	v.UpdatedAt = now

	pol, _ := s.d.Rules.Entity(v.EntityType)
	if in.Decision == version.DecisionAccepted {
		auto, prior, err := s.autoApproval(ctx, v, pol)
		if err != nil {
			return nil, err
		}
		switch {
		case auto:
			v.Status = version.StatusApproved
			v.AutoApproved = true
			v.Approver = version.DecisionFact{
				Decision: version.DecisionAccepted,
				Reason:   fmt.Sprintf("unchanged since approved version %d", prior.VersionNumber),
				Actor:    version.AutoApprovalActor,
				At:       &now,
			}
		case pol != nil && pol.RequiresApprover:
			v.Status = version.StatusPendingApproval
		default:
			v.Status = version.StatusApproved
		}
	}

	if err := s.d.Versions.Update(ctx, v, old); err != nil {
		return nil, err
	}
	if err := s.record(ctx, v, version.RolePreparer, v.Preparer, old, v.Status, false); err != nil {
		return nil, err
	}
	if v.AutoApproved {
		if err := s.record(ctx, v, version.RoleApprover, v.Approver, old, v.Status, true); err != nil {
			return nil, err
		}
	}

	if in.Decision == version.DecisionAccepted {
		if err := s.closeRevision(ctx, v, in.Actor); err != nil {
			return nil, err
		}
	}
	if v.Status == version.StatusPendingApproval {
		if err := s.openReview(ctx, v, pol, in.Actor); err != nil {
			return nil, err
		}
	}
	if v.Status == version.StatusApproved {
		if err := s.emitStatus(ctx, events.TopicVersionApproved, v, in.Actor); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// autoApproval evaluates the shortcut against the nearest ancestor that
// carries an approver decision.
func (s *DecisionService) autoApproval(ctx context.Context, v *version.Version, pol *policy.EntityPolicy) (bool, *version.Version, error) {
	if pol == nil || !pol.AutoApproval.Enabled {
		return false, nil, nil
	}
	prior, err := s.nearestDecided(ctx, v)
	if err != nil || prior == nil {
		return false, nil, err
	}
	ok, err := AutoApprovable(prior, v.Payload, version.DecisionAccepted, pol.AutoApproval.IgnorePaths)
	if err != nil || !ok {
		return false, nil, err
	}
	return true, prior, nil
}

func (s *DecisionService) nearestDecided(ctx context.Context, v *version.Version) (*version.Version, error) {
	cur := v
	for i := 0; i < maxAncestors && cur.ParentVersionID != nil; i++ {
		parent, err := s.d.Versions.Get(ctx, *cur.ParentVersionID)
		if err != nil {
			return nil, err
		}
		if parent.Approver.Recorded() {
			return parent, nil
		}
		cur = parent
	}
	return nil, nil
}

// closeRevision archives the rejected ancestor that v revises and completes
// the revision work opened for it.
func (s *DecisionService) closeRevision(ctx context.Context, v *version.Version, actor string) error {
	refs := []string{v.ID.String()}
	cur := v
	for i := 0; i < maxAncestors && cur.ParentVersionID != nil; i++ {
		parent, err := s.d.Versions.Get(ctx, *cur.ParentVersionID)
		if err != nil {
			return err
		}
		switch parent.Status {
		case version.StatusArchived:
			refs = append(refs, parent.ID.String())
			cur = parent
			continue
		case version.StatusRequiresChanges:
			parent.Status = version.StatusArchived
			parent.UpdatedAt = s.d.now()
			if err := s.d.Versions.Update(ctx, parent, version.StatusRequiresChanges); err != nil {
				return err
			}
			notes := fmt.Sprintf("revised in version %d", v.VersionNumber)
			workType := s.revisionWorkType(v.EntityType)
			for _, ref := range refs {
				if err := s.assignments.completeOpen(ctx, ContextVersion, ref, workType, actor, notes); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return nil
}

func (s *DecisionService) revisionWorkType(entityType string) string {
	if p, ok := s.d.Rules.Entity(entityType); ok && p.Review != nil && p.Review.RevisionType != "" {
		return p.Review.RevisionType
	}
	return DefaultRevisionWorkType
}

func versionContext(v *version.Version) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"entity_type":    v.EntityType,
		"business_key":   v.BusinessKey,
		"version_number": v.VersionNumber,
	})
	return raw
}

func (s *DecisionService) openReview(ctx context.Context, v *version.Version, pol *policy.EntityPolicy, actor string) error {
	if pol == nil || pol.Review == nil {
		return nil
	}
	_, err := s.assignments.create(ctx, actor, CreateAssignmentInput{
		AssignmentType: pol.Review.WorkType,
		FromRole:       pol.Review.PreparerRole,
		ToRole:         pol.Review.ApproverRole,
		FromUser:       actor,
		ContextType:    ContextVersion,
		ContextRef:     v.ID.String(),
		ContextData:    versionContext(v),
		Priority:       assignment.Priority(pol.Review.Priority),
	}, "")
	return err
}

// RecordApproverDecision renders the second-line decision on a version
// waiting for approval. A rejection spawns the successor version the
// preparer revises.
func (s *DecisionService) RecordApproverDecision(ctx context.Context, id uuid.UUID, in DecisionInput) (*version.Version, error) {
	if err := s.validate(&in); err != nil {
		return nil, err
	}
	return withRetry(ctx, s.d, "version_approver_decision", func(txCtx context.Context) (*version.Version, error) {
		v, err := s.d.Versions.Get(txCtx, id)
		if err != nil {
			return nil, err
		}
		switch v.Status {
		case version.StatusPendingApproval:
		case version.StatusApproved:
			return nil, failures.InvalidState("version %d of %s is already approved and cannot be re-decided", v.VersionNumber, v.Key())
		default:
			return nil, failures.InvalidState("an approver decision needs a version pending approval, this one is %s", v.Status)
		}
		return s.approver(txCtx, v, in)
	})
}

func (s *DecisionService) approver(ctx context.Context, v *version.Version, in DecisionInput) (*version.Version, error) {
	now := s.d.now()
	old := v.Status
	v.Approver = version.DecisionFact{Decision: in.Decision, Reason: in.Reason, Actor: in.Actor, At: &now}
	v.UpdatedAt = now
	if in.Decision == version.DecisionAccepted {
		v.Status = version.StatusApproved
	} else {
		v.Status = version.StatusRequiresChanges
	}

	if err := s.d.Versions.Update(ctx, v, old); err != nil {
		return nil, err
	}
	if err := s.record(ctx, v, version.RoleApprover, v.Approver, old, v.Status, false); err != nil {
		return nil, err
	}

	pol, _ := s.d.Rules.Entity(v.EntityType)
	if pol != nil && pol.Review != nil {
		if err := s.assignments.completeOpen(ctx, ContextVersion, v.ID.String(), pol.Review.WorkType, in.Actor, in.Reason); err != nil {
			return nil, err
		}
	}

	if v.Status == version.StatusApproved {
		return v, s.emitStatus(ctx, events.TopicVersionApproved, v, in.Actor)
	}

	successor, err := s.versions.create(ctx, CreateVersionInput{
		EntityType:     v.EntityType,
		BusinessKey:    v.BusinessKey,
		Payload:        v.Payload,
		Actor:          in.Actor,
		ChangeReason:   "requires changes: " + in.Reason,
		ExpectedParent: &v.ID,
	})
	if err != nil {
		return nil, err
	}
	v.IsLatest = false
	if err := s.openRevision(ctx, v, successor, pol, in); err != nil {
		return nil, err
	}
	if err := s.emitStatus(ctx, events.TopicVersionRequiresChanges, v, in.Actor); err != nil {
		return nil, err
	}

	composables.UseLogger(ctx).WithFields(logrus.Fields{
		"version_id":   v.ID,
		"successor_id": successor.ID,
	}).Info("version requires changes")
	return v, nil
}

func (s *DecisionService) openRevision(ctx context.Context, rejected, successor *version.Version, pol *policy.EntityPolicy, in DecisionInput) error {
	fromRole, toRole := string(version.RoleApprover), string(version.RolePreparer)
	priority := assignment.PriorityMedium
	if pol != nil && pol.Review != nil {
		fromRole, toRole = pol.Review.ApproverRole, pol.Review.PreparerRole
		priority = assignment.Priority(pol.Review.Priority)
	}
	_, err := s.assignments.create(ctx, in.Actor, CreateAssignmentInput{
		AssignmentType: s.revisionWorkType(rejected.EntityType),
		FromRole:       fromRole,
		ToRole:         toRole,
		FromUser:       in.Actor,
		ToUser:         rejected.Preparer.Actor,
		ContextType:    ContextVersion,
		ContextRef:     successor.ID.String(),
		ContextData:    versionContext(successor),
		Priority:       priority,
	}, in.Reason)
	return err
}

func (s *DecisionService) record(ctx context.Context, v *version.Version, role version.Role, fact version.DecisionFact, prev, next version.Status, auto bool) error {
	rec := &version.DecisionRecord{
		ID:             uuid.New(),
		VersionID:      v.ID,
		Role:           role,
		Decision:       fact.Decision,
		Reason:         fact.Reason,
		Actor:          fact.Actor,
		PreviousStatus: prev,
		NewStatus:      next,
		AutoApproved:   auto,
		CreatedAt:      s.d.now(),
	}
	if err := s.d.Versions.AppendDecision(ctx, rec); err != nil {
		return err
	}
	recordDecision(string(role), string(fact.Decision), auto)

	ev, err := events.New(events.TopicVersionDecision, events.AggregateVersion, v.ID, fact.Actor, rec.CreatedAt, events.VersionDecision{
		VersionID:      v.ID,
		Role:           string(role),
		Decision:       string(fact.Decision),
		Reason:         fact.Reason,
		PreviousStatus: string(prev),
		NewStatus:      string(next),
		AutoApproved:   auto,
	})
	return s.d.emit(ctx, ev, err)
}

func (s *DecisionService) emitStatus(ctx context.Context, topic string, v *version.Version, actor string) error {
	ev, err := events.New(topic, events.AggregateVersion, v.ID, actor, s.d.now(), events.VersionStatus{
		VersionID:   v.ID,
		EntityType:  v.EntityType,
		BusinessKey: v.BusinessKey,
		Status:      string(v.Status),
	})
	if ev != nil {
		ev.To(events.User(v.CreatedBy), events.User(v.Preparer.Actor))
	}
	return s.d.emit(ctx, ev, err)
}
