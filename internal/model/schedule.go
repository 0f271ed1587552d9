package model

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Validate checks that exactly one schedule is set and parses.
func (h Health) Validate() error {
	switch {
	case h.Cron != "" && h.Duration != "":
		return fmt.Errorf("%w: tor.health: both cron and duration are set", ErrSchedule)
	case h.Cron != "":
		if _, err := ParseCron(h.Cron); err != nil {
			return fmt.Errorf("%w: tor.health.cron: %w", ErrSchedule, err)
		}
	case h.Duration != "":
		d, err := ParseISODuration(h.Duration)
		if err != nil {
			return fmt.Errorf("%w: tor.health.duration: %w", ErrSchedule, err)
		}
		if d <= 0 {
			return fmt.Errorf("%w: tor.health.duration must be positive", ErrSchedule)
		}
	default:
		return fmt.Errorf("%w: tor.health: both cron and duration are empty", ErrSchedule)
	}
	return nil
}

// ParseCron parses a 5 field cron expression or a macro like @hourly and
// returns the interval between its next two activations.
func ParseCron(expr string) (time.Duration, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return 0, fmt.Errorf("empty cron expression")
	}

	var schedule cron.Schedule
	var err error
	if strings.HasPrefix(e, "@") {
		schedule, err = cron.ParseStandard(e)
	} else {
		parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		schedule, err = parser5.Parse(e)
	}
	if err != nil {
		return 0, err
	}
	next1 := schedule.Next(time.Now())
	next2 := schedule.Next(next1)
	return next2.Sub(next1), nil
}

var isoDurationRx = regexp.MustCompile(`^P((?P<day>\d+)D)?(T?(?:(?P<hour>\d+)H)?(?:(?P<minute>\d+)M)?(?:(?P<second>\d+(?:[.,]\d+)?)S)?)?$`)

// ParseISODuration parses the day and time subset of ISO8601 durations,
// e.g. PT30S, PT1M or P1DT2H. Months and years are rejected as ambiguous.
func ParseISODuration(dur string) (time.Duration, error) {
	if dur == "" || dur == "P" || dur == "PT" || !isoDurationRx.MatchString(dur) {
		return 0, ErrISOFormat
	}
	match := isoDurationRx.FindStringSubmatch(dur)

	hasT := strings.Contains(dur, "T")
	var hasHMS bool
	var ret time.Duration

	for i, name := range isoDurationRx.SubexpNames() {
		part := match[i]
		if i == 0 || name == "" || part == "" {
			continue
		}

		num, frac, err := parseNumber(part)
		if err != nil {
			return 0, err
		}
		var unit time.Duration
		switch name {
		case "day":
			unit = 24 * time.Hour
		case "hour":
			hasHMS = true
			unit = time.Hour
		case "minute":
			// P2M would be months
			if !hasT {
				return 0, ErrISOFormat
			}
			hasHMS = true
			unit = time.Minute
		case "second":
			hasHMS = true
			unit = time.Second
		}
		if num > math.MaxInt64/int64(unit) {
			return 0, fmt.Errorf("%w: overflow", ErrISOFormat)
		}
		ret += time.Duration(num)*unit + time.Duration(frac*float64(unit))
	}

	// eg P2DT
	if hasT && !hasHMS {
		return 0, ErrISOFormat
	}
	return ret, nil
}

func parseNumber(s string) (num int64, frac float64, err error) {
	s = strings.Replace(s, ",", ".", 1)
	a, b, ok := strings.Cut(s, ".")
	if ok {
		if len(b) > 9 {
			return 0, 0, ErrISOFormat
		}
		f, err := strconv.Atoi(b)
		if err != nil {
			return 0, 0, fmt.Errorf("parsing fraction: %w", err)
		}
		frac = float64(f) / math.Pow10(len(b))
	}
	num, err = strconv.ParseInt(a, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing number: %w", err)
	}
	return num, frac, nil
}
