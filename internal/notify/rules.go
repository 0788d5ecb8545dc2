package notify

import (
	"slices"
	"time"

	"github.com/kiranshivaraju/faultline/internal/config"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// Rules controls which occurrences trigger a notification.
type Rules struct {
	OnFirstOccurrence    bool
	OnReopen             bool
	OnThreshold          []int
	CriticalExceptions   []string
	NotifyInEnvironments []string
	Cooldown             time.Duration
}

// RulesFromConfig copies the notification rule settings.
func RulesFromConfig(cfg config.NotifyConfig) Rules {
	return Rules{
		OnFirstOccurrence:    cfg.Rules.OnFirstOccurrence,
		OnReopen:             cfg.Rules.OnReopen,
		OnThreshold:          cfg.Rules.OnThreshold,
		CriticalExceptions:   cfg.Rules.CriticalExceptions,
		NotifyInEnvironments: cfg.Rules.NotifyInEnvironments,
		Cooldown:             cfg.Cooldown,
	}
}

// Evaluator applies Rules to a group's authoritative state.
type Evaluator struct {
	rules       Rules
	channels    int
	environment string
	now         func() time.Time
}

// NewEvaluator creates an Evaluator. environment is used for occurrences that
// do not carry their own.
func NewEvaluator(rules Rules, channels int, environment string) *Evaluator {
	return &Evaluator{
		rules:       rules,
		channels:    channels,
		environment: environment,
		now:         time.Now,
	}
}

// ShouldNotify returns the first decisive rule outcome. The cooldown is a hard
// gate checked before any triggering rule, critical exceptions included.
func (e *Evaluator) ShouldNotify(g *models.IssueGroup, occ *models.Occurrence) bool {
	env := e.environment
	if occ != nil && occ.Environment != "" {
		env = occ.Environment
	}
	if !slices.Contains(e.rules.NotifyInEnvironments, env) {
		return false
	}
	if e.channels == 0 {
		return false
	}
	if e.inCooldown(g) {
		return false
	}
	if (g.Created || g.OccurrencesCount == 1) && e.rules.OnFirstOccurrence {
		return true
	}
	if g.RecentlyReopened() && e.rules.OnReopen {
		return true
	}
	if slices.Contains(e.rules.OnThreshold, g.OccurrencesCount) {
		return true
	}
	return slices.Contains(e.rules.CriticalExceptions, g.ExceptionClass)
}

func (e *Evaluator) inCooldown(g *models.IssueGroup) bool {
	if g.LastNotifiedAt == nil || e.rules.Cooldown <= 0 {
		return false
	}
	return e.now().Sub(*g.LastNotifiedAt) < e.rules.Cooldown
}
