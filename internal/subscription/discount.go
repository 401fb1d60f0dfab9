package subscription

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
)

// DiscountStep applies Percent to every duration of at least FromMonths
// months, until the next step starts.
type DiscountStep struct {
	FromMonths int
	Percent    int
}

// DiscountSchedule maps a duration to the percentage of the undiscounted
// total the buyer pays. Steps are sorted by FromMonths.
type DiscountSchedule struct {
	steps []DiscountStep
}

// DefaultSchedule is 100% for 1-2 months, 98% for 3-5, 95% for 6-11 and
// 89% for a full year.
var DefaultSchedule = DiscountSchedule{steps: []DiscountStep{
	{FromMonths: 1, Percent: 100},
	{FromMonths: 3, Percent: 98},
	{FromMonths: 6, Percent: 95},
	{FromMonths: 12, Percent: 89},
}}

var ErrInvalidSchedule = errors.New("subscription: invalid discount schedule")

// fixedPercents are the calibration points every schedule must honor. Only
// the durations between them are configurable.
var fixedPercents = []DiscountStep{
	{FromMonths: 1, Percent: 100},
	{FromMonths: 3, Percent: 98},
	{FromMonths: 12, Percent: 89},
}

// NewDiscountSchedule validates steps: the first must start at month 1, no
// step may start outside 1..12, percentages stay in 1..100 and never increase
// with longer durations. The result must charge 100% for one month, 98% for
// three and 89% for twelve.
func NewDiscountSchedule(steps []DiscountStep) (DiscountSchedule, error) {
	if len(steps) == 0 {
		return DiscountSchedule{}, fmt.Errorf("%w: no steps", ErrInvalidSchedule)
	}
	sorted := make([]DiscountStep, len(steps))
	copy(sorted, steps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FromMonths < sorted[j].FromMonths })

	if sorted[0].FromMonths != MinMonths {
		return DiscountSchedule{}, fmt.Errorf("%w: first step must start at month %d", ErrInvalidSchedule, MinMonths)
	}
	for i, s := range sorted {
		if s.FromMonths < MinMonths || s.FromMonths > MaxMonths {
			return DiscountSchedule{}, fmt.Errorf("%w: step month %d out of range", ErrInvalidSchedule, s.FromMonths)
		}
		if s.Percent < 1 || s.Percent > 100 {
			return DiscountSchedule{}, fmt.Errorf("%w: percent %d out of range", ErrInvalidSchedule, s.Percent)
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		if s.FromMonths == prev.FromMonths {
			return DiscountSchedule{}, fmt.Errorf("%w: duplicate step at month %d", ErrInvalidSchedule, s.FromMonths)
		}
		if s.Percent > prev.Percent {
			return DiscountSchedule{}, fmt.Errorf("%w: percent rises at month %d", ErrInvalidSchedule, s.FromMonths)
		}
	}
	d := DiscountSchedule{steps: sorted}
	for _, fp := range fixedPercents {
		if got := d.Percent(fp.FromMonths); got != fp.Percent {
			return DiscountSchedule{}, fmt.Errorf("%w: %d months must cost %d%%, got %d%%",
				ErrInvalidSchedule, fp.FromMonths, fp.Percent, got)
		}
	}
	return d, nil
}

// ParseDiscountSchedule reads "1:100,3:98,6:95,12:89".
func ParseDiscountSchedule(s string) (DiscountSchedule, error) {
	var steps []DiscountStep
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		m, p, ok := strings.Cut(part, ":")
		if !ok {
			return DiscountSchedule{}, fmt.Errorf("%w: %q is not months:percent", ErrInvalidSchedule, part)
		}
		months, err := strconv.Atoi(strings.TrimSpace(m))
		if err != nil {
			return DiscountSchedule{}, fmt.Errorf("%w: months %q", ErrInvalidSchedule, m)
		}
		pct, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return DiscountSchedule{}, fmt.Errorf("%w: percent %q", ErrInvalidSchedule, p)
		}
		steps = append(steps, DiscountStep{FromMonths: months, Percent: pct})
	}
	return NewDiscountSchedule(steps)
}

// Steps returns a copy of the schedule's steps.
func (d DiscountSchedule) Steps() []DiscountStep {
	out := make([]DiscountStep, len(d.steps))
	copy(out, d.steps)
	return out
}

func (d DiscountSchedule) String() string {
	parts := make([]string, len(d.steps))
	for i, s := range d.steps {
		parts[i] = fmt.Sprintf("%d:%d", s.FromMonths, s.Percent)
	}
	return strings.Join(parts, ",")
}

// Percent returns the percentage paid for months. A zero schedule falls
// back to DefaultSchedule.
func (d DiscountSchedule) Percent(months int) int {
	steps := d.steps
	if len(steps) == 0 {
		steps = DefaultSchedule.steps
	}
	pct := 100
	for _, s := range steps {
		if months < s.FromMonths {
			break
		}
		pct = s.Percent
	}
	return pct
}

// Required is floor(price * months * percent / 100).
func (d DiscountSchedule) Required(price *big.Int, months int) *big.Int {
	out := new(big.Int).Mul(price, big.NewInt(int64(months)))
	out.Mul(out, big.NewInt(int64(d.Percent(months))))
	return out.Quo(out, big.NewInt(100))
}

func validMonths(months int) bool {
	return months >= MinMonths && months <= MaxMonths
}
