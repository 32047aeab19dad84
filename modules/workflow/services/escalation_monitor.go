package services

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/iota-uz/regflow/modules/workflow/domain/assignment"
	"github.com/iota-uz/regflow/modules/workflow/domain/escalation"
	"github.com/iota-uz/regflow/modules/workflow/domain/events"
	"github.com/iota-uz/regflow/modules/workflow/domain/phase"
	"github.com/iota-uz/regflow/modules/workflow/domain/policy"
	"github.com/iota-uz/regflow/pkg/leader"
	"github.com/iota-uz/regflow/pkg/logging"
)

const (
	MonitorActor = "system:escalation-monitor"

	scanPageSize = 200
)

type MonitorOptions struct {
	Interval time.Duration
	// SingleActive elects one monitor across processes through an advisory
	// lock on Pool.
	SingleActive bool
	Pool         *pgxpool.Pool
	Logger       *logrus.Entry
}

// EscalationMonitor compares assignment and phase deadlines against the clock
// and raises graduated escalations.
type EscalationMonitor struct {
	d           Deps
	assignments *AssignmentService
	opts        MonitorOptions
	log         *logrus.Entry
}

func NewEscalationMonitor(d Deps, assignments *AssignmentService, opts MonitorOptions) *EscalationMonitor {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &EscalationMonitor{
		d:           d.normalize(),
		assignments: assignments,
		opts:        opts,
		log:         opts.Logger.WithField("component", "escalation-monitor"),
	}
}

type ScanReport struct {
	Assignments int `json:"assignments"`
	Phases      int `json:"phases"`
	Warnings    int `json:"warnings"`
	Opened      int `json:"violations_opened"`
	Escalations int `json:"escalations"`
	Resolved    int `json:"resolved"`
	Failures    int `json:"failures"`
}

func (m *EscalationMonitor) Name() string { return "escalation-monitor" }

// Run scans once per interval until ctx is done.
func (m *EscalationMonitor) Run(ctx context.Context) error {
	if !m.opts.SingleActive || m.opts.Pool == nil {
		workflowMonitorLeader.Set(1)
		return m.loop(ctx)
	}
	return leader.RunSingleActive(ctx, m.opts.Pool, leader.Key("workflow:escalation-monitor"), leader.Options{
		RetryInterval: m.opts.Interval,
		Logger:        m.log,
		OnChange: func(v bool) {
			if v {
				workflowMonitorLeader.Set(1)
				return
			}
			workflowMonitorLeader.Set(0)
		},
	}, func(ctx context.Context, _ *pgxpool.Conn) error {
		return m.loop(ctx)
	})
}

func (m *EscalationMonitor) loop(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		if _, err := m.ScanOnce(ctx); err != nil && ctx.Err() == nil {
			m.log.WithError(err).Error("escalation scan failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ScanOnce runs one pass. Failures of single subjects are logged and counted;
// only failures to list subjects abort the scan.
func (m *EscalationMonitor) ScanOnce(ctx context.Context) (ScanReport, error) {
	ctx, span := tracer.Start(ctx, "workflow.escalation.scan")
	defer span.End()

	report, err := m.scan(ctx)
	span.SetAttributes(
		attribute.Int("workflow.scan.assignments", report.Assignments),
		attribute.Int("workflow.scan.phases", report.Phases),
		attribute.Int("workflow.scan.escalations", report.Escalations),
		attribute.Int("workflow.scan.failures", report.Failures),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "escalation scan failed")
	}
	return report, err
}

func (m *EscalationMonitor) scan(ctx context.Context) (ScanReport, error) {
	start := time.Now()
	defer func() { workflowScanDuration.Observe(time.Since(start).Seconds()) }()

	var report ScanReport
	now := m.d.now()

	var after *uuid.UUID
	for {
		page, err := m.d.Assignments.List(ctx, assignment.Filter{
			ActiveOnly:  true,
			WithDueDate: true,
			After:       after,
			Limit:       scanPageSize,
		})
		if err != nil {
			return report, err
		}
		for _, a := range page {
			report.Assignments++
			if err := m.d.Tx.InTx(ctx, func(txCtx context.Context) error {
				return m.checkAssignment(txCtx, a.ID, now, &report)
			}); err != nil {
				m.fail(escalation.SubjectAssignment, a.ID, err, &report)
			}
		}
		if len(page) < scanPageSize {
			break
		}
		last := page[len(page)-1].ID
		after = &last
	}

	phases, err := m.d.Phases.List(ctx, phase.Filter{OpenOnly: true})
	if err != nil {
		return report, err
	}
	for _, p := range phases {
		report.Phases++
		if err := m.d.Tx.InTx(ctx, func(txCtx context.Context) error {
			return m.checkPhase(txCtx, p.ID, now, &report)
		}); err != nil {
			m.fail(escalation.SubjectPhase, p.ID, err, &report)
		}
	}

	if err := m.resolve(ctx, now, &report); err != nil {
		return report, err
	}

	m.log.WithFields(logrus.Fields{
		"assignments": report.Assignments,
		"phases":      report.Phases,
		"warnings":    report.Warnings,
		"escalations": report.Escalations,
		"resolved":    report.Resolved,
		"failures":    report.Failures,
	}).Debug("escalation scan finished")
	return report, nil
}

func (m *EscalationMonitor) fail(subject escalation.SubjectType, id uuid.UUID, err error, report *ScanReport) {
	report.Failures++
	workflowScanFailures.WithLabelValues(string(subject)).Inc()
	m.log.WithError(err).WithFields(logrus.Fields{
		"subject_type": subject,
		"subject_id":   id,
	}).Warn("escalation check failed")
}

// slaFor falls back to a wall-clock SLA without rules for unknown work types,
// so breaches are still recorded.
func (m *EscalationMonitor) slaFor(workType string) *policy.SLA {
	if sla, ok := m.d.Rules.SLA(workType); ok {
		return sla
	}
	return &policy.SLA{WorkType: workType}
}

func (m *EscalationMonitor) checkAssignment(ctx context.Context, id uuid.UUID, now time.Time, report *ScanReport) error {
	a, err := m.d.Assignments.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Status.Terminal() || a.DueDate == nil {
		return nil
	}
	sla := m.slaFor(a.AssignmentType)
	cal := m.d.Rules.Cal()
	overdue := sla.Elapsed(cal, *a.DueDate, now)

	if overdue <= 0 {
		return m.warn(ctx, a, sla, now, report)
	}

	v, opened, err := m.openViolation(ctx, escalation.SubjectAssignment, a.ID, a.AssignmentType, *a.DueDate, now)
	if err != nil {
		return err
	}
	if opened {
		report.Opened++
	}

	for _, rule := range sla.RulesToFire(v.CurrentEscalationLevel, overdue) {
		expected := v.CurrentEscalationLevel
		v.Escalate(rule.Level, rule.EscalateToUser, rule.EscalateToRole, now)
		if err := m.d.Violations.UpdateLevel(ctx, v, expected); err != nil {
			return err
		}

		a.EscalationLevel = rule.Level
		a.EscalatedTo = rule.EscalateToUser
		if a.EscalatedTo == "" {
			a.EscalatedTo = rule.EscalateToRole
		}
		if rule.MarkEscalated && a.Status == assignment.StatusAssigned {
			if err := m.assignments.fire(ctx, a, assignment.EventEscalate, assignment.Input{
				Actor: MonitorActor,
				Notes: "escalation level " + strconv.Itoa(rule.Level),
			}); err != nil {
				return err
			}
		} else {
			expectedUpdated := a.UpdatedAt
			a.Escalated = true
			a.UpdatedAt = now
			if err := m.d.Assignments.Update(ctx, a, a.Status, expectedUpdated); err != nil {
				return err
			}
		}

		ev, err := events.New(events.TopicAssignmentEscalated, events.AggregateAssignment, a.ID, MonitorActor, now,
			m.escalated(v, rule, overdue))
		if ev != nil {
			ev.To(events.User(rule.EscalateToUser), events.Role(rule.EscalateToRole), events.User(a.ToUser))
		}
		if err := m.d.emit(ctx, ev, err); err != nil {
			return err
		}
		report.Escalations++
		workflowEscalations.WithLabelValues(string(escalation.SubjectAssignment), strconv.Itoa(rule.Level)).Inc()
		m.log.WithFields(logrus.Fields{
			"assignment_id": a.ID,
			"level":         rule.Level,
			"overdue_hours": overdue.Hours(),
		}).Info("assignment escalated")
	}
	return nil
}

// warn sends the single due-soon notice once the elapsed share of the
// assignment's window reaches the warning threshold.
func (m *EscalationMonitor) warn(ctx context.Context, a *assignment.Assignment, sla *policy.SLA, now time.Time, report *ScanReport) error {
	if a.WarningSentAt != nil || sla.WarningThreshold <= 0 {
		return nil
	}
	cal := m.d.Rules.Cal()
	window := sla.Elapsed(cal, a.AssignedAt, *a.DueDate)
	if window <= 0 {
		return nil
	}
	ratio := float64(sla.Elapsed(cal, a.AssignedAt, now)) / float64(window)
	if ratio < sla.WarningThreshold {
		return nil
	}

	expectedUpdated := a.UpdatedAt
	a.WarningSentAt = &now
	a.UpdatedAt = now
	if err := m.d.Assignments.Update(ctx, a, a.Status, expectedUpdated); err != nil {
		return err
	}
	ev, err := events.New(events.TopicAssignmentDueSoon, events.AggregateAssignment, a.ID, MonitorActor, now, events.DueSoon{
		AssignmentID: a.ID,
		WorkType:     a.AssignmentType,
		DueDate:      *a.DueDate,
		ElapsedRatio: ratio,
	})
	if ev != nil {
		ev.To(events.User(a.ToUser))
		if a.ToUser == "" {
			ev.To(events.Role(a.ToRole))
		}
	}
	if err := m.d.emit(ctx, ev, err); err != nil {
		return err
	}
	report.Warnings++
	return nil
}

func (m *EscalationMonitor) checkPhase(ctx context.Context, id uuid.UUID, now time.Time, report *ScanReport) error {
	p, err := m.d.Phases.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Completed() {
		return nil
	}
	sla := m.slaFor(p.WorkType)
	overdue := sla.Elapsed(m.d.Rules.Cal(), p.DueDate, now)
	if overdue <= 0 {
		return nil
	}

	v, opened, err := m.openViolation(ctx, escalation.SubjectPhase, p.ID, p.WorkType, p.DueDate, now)
	if err != nil {
		return err
	}
	if opened {
		report.Opened++
	}
	for _, rule := range sla.RulesToFire(v.CurrentEscalationLevel, overdue) {
		expected := v.CurrentEscalationLevel
		v.Escalate(rule.Level, rule.EscalateToUser, rule.EscalateToRole, now)
		if err := m.d.Violations.UpdateLevel(ctx, v, expected); err != nil {
			return err
		}
		ev, err := events.New(events.TopicPhaseEscalated, events.AggregatePhase, p.ID, MonitorActor, now,
			m.escalated(v, rule, overdue))
		if ev != nil {
			ev.To(events.User(rule.EscalateToUser), events.Role(rule.EscalateToRole), events.Role(p.OwnerRole))
		}
		if err := m.d.emit(ctx, ev, err); err != nil {
			return err
		}
		report.Escalations++
		workflowEscalations.WithLabelValues(string(escalation.SubjectPhase), strconv.Itoa(rule.Level)).Inc()
	}
	return nil
}

func (m *EscalationMonitor) openViolation(ctx context.Context, subject escalation.SubjectType, id uuid.UUID, workType string, due, now time.Time) (*escalation.Violation, bool, error) {
	v, err := m.d.Violations.Open(ctx, subject, id)
	if err != nil || v != nil {
		return v, false, err
	}
	v = &escalation.Violation{
		ID:          uuid.New(),
		SubjectType: subject,
		SubjectID:   id,
		WorkType:    workType,
		BreachedAt:  due,
		CreatedAt:   now,
	}
	if err := m.d.Violations.Insert(ctx, v); err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (m *EscalationMonitor) escalated(v *escalation.Violation, rule policy.EscalationRule, overdue time.Duration) events.Escalated {
	return events.Escalated{
		ViolationID:  v.ID,
		SubjectType:  string(v.SubjectType),
		SubjectID:    v.SubjectID,
		WorkType:     v.WorkType,
		Level:        rule.Level,
		OverdueHours: overdue.Hours(),
		ToUser:       rule.EscalateToUser,
		ToRole:       rule.EscalateToRole,
	}
}

// resolve closes violations whose subject finished outside a transition
// that already resolved them.
func (m *EscalationMonitor) resolve(ctx context.Context, now time.Time, report *ScanReport) error {
	open, err := m.d.Violations.Active(ctx, escalation.Filter{})
	if err != nil {
		return err
	}
	for _, v := range open {
		err := m.d.Tx.InTx(ctx, func(txCtx context.Context) error {
			done, err := m.subjectDone(txCtx, v)
			if err != nil || !done {
				return err
			}
			resolved, err := m.d.Violations.ResolveOpen(txCtx, v.SubjectType, v.SubjectID, now)
			if resolved {
				report.Resolved++
			}
			return err
		})
		if err != nil {
			m.fail(v.SubjectType, v.SubjectID, err, report)
		}
	}
	return nil
}

func (m *EscalationMonitor) subjectDone(ctx context.Context, v *escalation.Violation) (bool, error) {
	switch v.SubjectType {
	case escalation.SubjectAssignment:
		a, err := m.d.Assignments.Get(ctx, v.SubjectID)
		if isNotFound(err) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		return a.Status.Terminal(), nil
	case escalation.SubjectPhase:
		p, err := m.d.Phases.Get(ctx, v.SubjectID)
		if isNotFound(err) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		return p.Completed(), nil
	}
	return false, nil
}
