// Package policy holds the static workflow rules: the business calendar,
// per entity type review policy and per work type SLAs.
package policy

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iota-uz/regflow/modules/workflow/domain/version"
	"github.com/iota-uz/regflow/pkg/constants"
)

type AutoApproval struct {
	Enabled     bool     `yaml:"enabled"`
	IgnorePaths []string `yaml:"ignore_paths" validate:"dive,startswith=/"`
}

type Review struct {
	WorkType     string `yaml:"work_type" validate:"required"`
	PreparerRole string `yaml:"preparer_role" validate:"required"`
	ApproverRole string `yaml:"approver_role" validate:"required"`
	Priority     string `yaml:"priority" validate:"omitempty,oneof=low medium high critical"`
	RevisionType string `yaml:"revision_work_type"`
}

type EntityPolicy struct {
	Name             string       `yaml:"name" validate:"required"`
	RequiredFields   []string     `yaml:"required_fields"`
	RequiresApprover bool         `yaml:"requires_approver"`
	AutoApproval     AutoApproval `yaml:"auto_approval"`
	Review           *Review      `yaml:"review" validate:"required_if=RequiresApprover true"`
}

type EscalationRule struct {
	Order            int     `yaml:"order" validate:"gte=0"`
	Level            int     `yaml:"level" validate:"gte=1"`
	HoursAfterBreach float64 `yaml:"hours_after_breach" validate:"gte=0"`
	EscalateToRole   string  `yaml:"escalate_to_role" validate:"required_without=EscalateToUser"`
	EscalateToUser   string  `yaml:"escalate_to_user"`
	MarkEscalated    bool    `yaml:"mark_escalated"`
}

type SLA struct {
	WorkType          string           `yaml:"work_type" validate:"required"`
	HoursBudget       float64          `yaml:"hours_budget" validate:"gt=0"`
	WarningThreshold  float64          `yaml:"warning_threshold" validate:"gte=0,lte=1"`
	BusinessHoursOnly bool             `yaml:"business_hours_only"`
	EscalationRules   []EscalationRule `yaml:"escalation_rules" validate:"dive"`
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

func (s *SLA) Budget() time.Duration {
	return hours(s.HoursBudget)
}

// Elapsed measures from..to in the SLA's clock (business or wall time).
func (s *SLA) Elapsed(cal *Calendar, from, to time.Time) time.Duration {
	if s.BusinessHoursOnly && cal != nil {
		return cal.BusinessDuration(from, to)
	}
	return to.Sub(from)
}

// DueDate is the instant the budget runs out when work starts at from.
func (s *SLA) DueDate(cal *Calendar, from time.Time) time.Time {
	if s.BusinessHoursOnly && cal != nil {
		return cal.AddBusinessDuration(from, s.Budget())
	}
	return from.Add(s.Budget()).UTC()
}

// RulesToFire returns, in ascending order, every rule above currentLevel
// whose threshold the overdue duration has reached.
func (s *SLA) RulesToFire(currentLevel int, overdue time.Duration) []EscalationRule {
	var out []EscalationRule
	for _, r := range s.EscalationRules {
		if r.Level > currentLevel && hours(r.HoursAfterBreach) <= overdue {
			out = append(out, r)
		}
	}
	return out
}

type Rules struct {
	Calendar    Calendar       `yaml:"calendar"`
	EntityTypes []EntityPolicy `yaml:"entity_types" validate:"dive"`
	SLAs        []SLA          `yaml:"slas" validate:"dive"`

	entities map[string]*EntityPolicy
	slas     map[string]*SLA
}

func Parse(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse workflow rules: %w", err)
	}
	if err := r.compile(); err != nil {
		return nil, err
	}
	return &r, nil
}

func LoadFile(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow rules: %w", err)
	}
	return Parse(data)
}

func (r *Rules) compile() error {
	if err := constants.Validate.Struct(r); err != nil {
		return fmt.Errorf("validate workflow rules: %w", err)
	}
	if err := r.Calendar.compile(); err != nil {
		return err
	}

	r.entities = make(map[string]*EntityPolicy, len(r.EntityTypes))
	for i := range r.EntityTypes {
		e := &r.EntityTypes[i]
		if _, dup := r.entities[e.Name]; dup {
			return fmt.Errorf("entity type %q is declared twice", e.Name)
		}
		if e.Review != nil && e.Review.Priority == "" {
			e.Review.Priority = "medium"
		}
		r.entities[e.Name] = e
	}

	r.slas = make(map[string]*SLA, len(r.SLAs))
	for i := range r.SLAs {
		s := &r.SLAs[i]
		if _, dup := r.slas[s.WorkType]; dup {
			return fmt.Errorf("sla for work type %q is declared twice", s.WorkType)
		}
		sort.SliceStable(s.EscalationRules, func(a, b int) bool {
			return s.EscalationRules[a].Order < s.EscalationRules[b].Order
		})
		for j := 1; j < len(s.EscalationRules); j++ {
			if s.EscalationRules[j].Level <= s.EscalationRules[j-1].Level {
				return fmt.Errorf("sla %q: escalation levels must increase with order", s.WorkType)
			}
		}
		r.slas[s.WorkType] = s
	}
	return nil
}

func (r *Rules) Entity(name string) (*EntityPolicy, bool) {
	e, ok := r.entities[name]
	return e, ok
}

func (r *Rules) SLA(workType string) (*SLA, bool) {
	s, ok := r.slas[workType]
	return s, ok
}

func (r *Rules) Cal() *Calendar {
	return &r.Calendar
}

// Registry exposes the declared entity types as version capabilities.
func (r *Rules) Registry() *version.Registry {
	reg := version.NewRegistry()
	for _, e := range r.EntityTypes {
		reg.Register(version.ObjectEntity{TypeName: e.Name, RequiredFields: e.RequiredFields})
	}
	return reg
}
