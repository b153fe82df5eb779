// Package retention resolves the effective prune policy for a repository.
package retention

import (
	"fmt"

	"bb-go/internal/model"
)

// Policy is a fully resolved retention policy. All values are non-negative;
// zero means no archives are kept at that cadence.
type Policy struct {
	KeepDaily   int
	KeepWeekly  int
	KeepMonthly int
	KeepYearly  int
}

// Default mirrors the engine-recommended policy used when nothing is
// configured.
func Default() Policy {
	return Policy{KeepDaily: 7, KeepWeekly: 4, KeepMonthly: 6, KeepYearly: 0}
}

// Resolve merges a repository's override over the global defaults. For each
// cadence the override value wins when present. The returned warning is
// non-empty when all four values resolve to zero, meaning prune would never
// remove anything.
func Resolve(override *model.RetentionOverride, defaults Policy) (Policy, string, error) {
	p := defaults
	if override != nil {
		if override.KeepDaily != nil {
			p.KeepDaily = *override.KeepDaily
		}
		if override.KeepWeekly != nil {
			p.KeepWeekly = *override.KeepWeekly
		}
		if override.KeepMonthly != nil {
			p.KeepMonthly = *override.KeepMonthly
		}
		if override.KeepYearly != nil {
			p.KeepYearly = *override.KeepYearly
		}
	}

	if err := p.Validate(); err != nil {
		return Policy{}, "", err
	}

	var warning string
	if p.KeepDaily == 0 && p.KeepWeekly == 0 && p.KeepMonthly == 0 && p.KeepYearly == 0 {
		warning = "retention policy keeps zero archives at every cadence; archives will never be pruned"
	}
	return p, warning, nil
}

// Validate rejects negative values.
func (p Policy) Validate() error {
	for _, v := range []struct {
		name  string
		value int
	}{
		{"keep_daily", p.KeepDaily},
		{"keep_weekly", p.KeepWeekly},
		{"keep_monthly", p.KeepMonthly},
		{"keep_yearly", p.KeepYearly},
	} {
		if v.value < 0 {
			return fmt.Errorf("retention %s must be non-negative, got %d", v.name, v.value)
		}
	}
	return nil
}

// Args renders the policy as borg prune arguments. keep-yearly is omitted
// when zero, matching the engine's conventions.
func (p Policy) Args() []string {
	args := []string{
		fmt.Sprintf("--keep-daily=%d", p.KeepDaily),
		fmt.Sprintf("--keep-weekly=%d", p.KeepWeekly),
		fmt.Sprintf("--keep-monthly=%d", p.KeepMonthly),
	}
	if p.KeepYearly > 0 {
		args = append(args, fmt.Sprintf("--keep-yearly=%d", p.KeepYearly))
	}
	return args
}
