package retention_test

import (
	"testing"

	"bb-go/internal/model"
	"bb-go/internal/retention"
)

func intp(v int) *int { return &v }

func TestResolve(t *testing.T) {
	defaults := retention.Policy{KeepDaily: 7, KeepWeekly: 4, KeepMonthly: 6, KeepYearly: 0}

	t.Run("override wins per cadence", func(t *testing.T) {
		override := &model.RetentionOverride{KeepDaily: intp(3)}

		p, warning, err := retention.Resolve(override, defaults)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if warning != "" {
			t.Errorf("unexpected warning: %q", warning)
		}

		want := retention.Policy{KeepDaily: 3, KeepWeekly: 4, KeepMonthly: 6, KeepYearly: 0}
		if p != want {
			t.Errorf("Resolve() = %+v, want %+v", p, want)
		}
	})

	t.Run("nil override uses defaults", func(t *testing.T) {
		p, _, err := retention.Resolve(nil, defaults)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if p != defaults {
			t.Errorf("Resolve() = %+v, want %+v", p, defaults)
		}
	})

	t.Run("all zero warns but does not error", func(t *testing.T) {
		override := &model.RetentionOverride{
			KeepDaily:   intp(0),
			KeepWeekly:  intp(0),
			KeepMonthly: intp(0),
			KeepYearly:  intp(0),
		}

		_, warning, err := retention.Resolve(override, defaults)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if warning == "" {
			t.Error("expected a warning for an all-zero policy")
		}
	})

	t.Run("negative value errors", func(t *testing.T) {
		override := &model.RetentionOverride{KeepWeekly: intp(-1)}

		if _, _, err := retention.Resolve(override, defaults); err == nil {
			t.Error("expected error for negative retention value")
		}
	})
}

func TestPolicyArgs(t *testing.T) {
	t.Run("omits keep-yearly when zero", func(t *testing.T) {
		p := retention.Policy{KeepDaily: 7, KeepWeekly: 4, KeepMonthly: 6}
		got := p.Args()
		want := []string{"--keep-daily=7", "--keep-weekly=4", "--keep-monthly=6"}
		if len(got) != len(want) {
			t.Fatalf("Args() = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("Args()[%d] = %q, want %q", i, got[i], want[i])
			}
		}
	})

	t.Run("includes keep-yearly when positive", func(t *testing.T) {
		p := retention.Policy{KeepDaily: 1, KeepYearly: 2}
		got := p.Args()
		if got[len(got)-1] != "--keep-yearly=2" {
			t.Errorf("Args() = %v, want trailing --keep-yearly=2", got)
		}
	})
}
