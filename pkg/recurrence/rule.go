package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidRule marks recurrence rules that cannot be parsed.
var ErrInvalidRule = errors.New("invalid recurrence rule")

func ruleError(message string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRule, message)
}

// cron search is bounded; five years of minutes covers every valid expression.
const maxCronScanMinutes = 5 * 366 * 24 * 60

// Schedule computes occurrence times for a recurrence rule. All times are UTC.
type Schedule interface {
	// Next returns the first occurrence strictly after the given time.
	Next(after time.Time) time.Time
}

// ParseRule parses an "@every <duration>" interval or a five-field cron
// expression (minute hour day-of-month month day-of-week).
func ParseRule(rule string) (Schedule, error) {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return nil, ruleError("rule is empty")
	}

	if strings.HasPrefix(rule, "@every ") {
		raw := strings.TrimSpace(strings.TrimPrefix(rule, "@every "))
		interval, err := time.ParseDuration(raw)
		if err != nil {
			return nil, ruleError(fmt.Sprintf("bad @every duration %q", raw))
		}
		if interval < time.Second {
			return nil, ruleError("@every interval must be at least 1s")
		}
		return intervalSchedule{every: interval}, nil
	}

	fields := strings.Fields(rule)
	if len(fields) != 5 {
		return nil, ruleError(fmt.Sprintf("expected 5 cron fields, got %d", len(fields)))
	}
	return parseCron(fields)
}

// ValidateRule reports whether a rule parses.
func ValidateRule(rule string) error {
	_, err := ParseRule(rule)
	return err
}

type intervalSchedule struct {
	every time.Duration
}

func (s intervalSchedule) Next(after time.Time) time.Time {
	return after.UTC().Add(s.every)
}

// fieldMask holds one cron field as a bit set; bit n set means value n matches.
type fieldMask uint64

func (m fieldMask) has(value int) bool {
	return m&(1<<uint(value)) != 0
}

type cronSchedule struct {
	minutes   fieldMask
	hours     fieldMask
	monthDays fieldMask
	months    fieldMask
	weekDays  fieldMask

	anyMonthDay bool
	anyWeekDay  bool
}

func (s cronSchedule) Next(after time.Time) time.Time {
	candidate := after.UTC().Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < maxCronScanMinutes; i++ {
		if s.matches(candidate) {
			return candidate
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}
}

func (s cronSchedule) matches(t time.Time) bool {
	if !s.minutes.has(t.Minute()) || !s.hours.has(t.Hour()) || !s.months.has(int(t.Month())) {
		return false
	}

	monthDayMatch := s.monthDays.has(t.Day())
	weekDayMatch := s.weekDays.has(int(t.Weekday()))
	switch {
	case s.anyMonthDay && s.anyWeekDay:
		return true
	case s.anyMonthDay:
		return weekDayMatch
	case s.anyWeekDay:
		return monthDayMatch
	default:
		// standard cron semantics: restricted day fields are OR-ed
		return monthDayMatch || weekDayMatch
	}
}

type cronFieldSpec struct {
	name     string
	min, max int
	// sundayWraps folds 7 onto 0 in the day-of-week field.
	sundayWraps bool
}

var cronFieldSpecs = [5]cronFieldSpec{
	{name: "minute", min: 0, max: 59},
	{name: "hour", min: 0, max: 23},
	{name: "day-of-month", min: 1, max: 31},
	{name: "month", min: 1, max: 12},
	{name: "day-of-week", min: 0, max: 7, sundayWraps: true},
}

func parseCron(fields []string) (*cronSchedule, error) {
	var masks [5]fieldMask
	var wildcard [5]bool
	for i, spec := range cronFieldSpecs {
		mask, any, err := parseField(fields[i], spec)
		if err != nil {
			return nil, fmt.Errorf("%w (%s field %q)", err, spec.name, fields[i])
		}
		masks[i] = mask
		wildcard[i] = any
	}

	return &cronSchedule{
		minutes:     masks[0],
		hours:       masks[1],
		monthDays:   masks[2],
		months:      masks[3],
		weekDays:    masks[4],
		anyMonthDay: wildcard[2],
		anyWeekDay:  wildcard[4],
	}, nil
}

func parseField(raw string, spec cronFieldSpec) (fieldMask, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false, ruleError("empty field")
	}
	if raw == "*" {
		return rangeMask(spec.min, spec.max, 1, spec), true, nil
	}

	var mask fieldMask
	for _, segment := range strings.Split(raw, ",") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			return 0, false, ruleError("empty list segment")
		}
		segmentMask, err := parseSegment(segment, spec)
		if err != nil {
			return 0, false, err
		}
		mask |= segmentMask
	}
	if mask == 0 {
		return 0, false, ruleError("field matches nothing")
	}
	return mask, false, nil
}

func parseSegment(segment string, spec cronFieldSpec) (fieldMask, error) {
	base := segment
	step := 1
	if slash := strings.IndexByte(segment, '/'); slash >= 0 {
		base = strings.TrimSpace(segment[:slash])
		parsed, err := strconv.Atoi(strings.TrimSpace(segment[slash+1:]))
		if err != nil || parsed <= 0 {
			return 0, ruleError(fmt.Sprintf("bad step in %q", segment))
		}
		step = parsed
	}

	start, end := spec.min, spec.max
	switch {
	case base == "*" || base == "":
	case strings.Contains(base, "-"):
		parts := strings.SplitN(base, "-", 2)
		var err error
		if start, err = strconv.Atoi(strings.TrimSpace(parts[0])); err != nil {
			return 0, ruleError(fmt.Sprintf("bad range start in %q", segment))
		}
		if end, err = strconv.Atoi(strings.TrimSpace(parts[1])); err != nil {
			return 0, ruleError(fmt.Sprintf("bad range end in %q", segment))
		}
	default:
		value, err := strconv.Atoi(base)
		if err != nil {
			return 0, ruleError(fmt.Sprintf("bad value %q", base))
		}
		start, end = value, value
		if step > 1 {
			end = spec.max
		}
	}

	if start < spec.min || end > spec.max || end < start {
		return 0, ruleError(fmt.Sprintf("range %d-%d outside [%d,%d]", start, end, spec.min, spec.max))
	}
	return rangeMask(start, end, step, spec), nil
}

func rangeMask(start, end, step int, spec cronFieldSpec) fieldMask {
	var mask fieldMask
	for value := start; value <= end; value += step {
		folded := value
		if spec.sundayWraps && folded == 7 {
			folded = 0
		}
		mask |= 1 << uint(folded)
	}
	return mask
}
