// Package windows evaluates weekly maintenance windows. Remediation only
// mutates nodes inside an approved change slot; collection, classification,
// and policy evaluation are read-only and run regardless.
//
// A rule covers one weekly time range, e.g. "mon-fri 22:00-06:00",
// "sat 08:00 - sun 20:00", or "* 01:00-03:00". Deny rules beat allow rules;
// when at least one allow rule is configured, a time outside every allow
// rule is closed.
package windows

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	secondsPerMinute = 60
	secondsPerHour   = 60 * secondsPerMinute
	secondsPerDay    = 24 * secondsPerHour
	secondsPerWeek   = 7 * secondsPerDay
)

// Verdict is the outcome of checking a point in time against a schedule.
type Verdict struct {
	Open bool
	// Rule is the expression that decided the verdict, when one matched.
	Rule string
}

// span is a half-open range of seconds since the start of the week (Sunday
// 00:00). Rules that wrap the week boundary are split into two spans.
type span struct {
	start int
	end   int
	rule  string
}

func (s span) contains(sec int) bool { return sec >= s.start && sec < s.end }

// Schedule holds the parsed allow and deny rules for repair execution.
type Schedule struct {
	allow []span
	deny  []span
}

// Parse compiles rule expressions into a Schedule. Both lists empty yields a
// nil schedule, meaning repairs are never gated.
func Parse(allowRules, denyRules []string) (*Schedule, error) {
	sched := &Schedule{}

	compile := func(kind string, rules []string, dst *[]span) error {
		for i, rule := range rules {
			trimmed := strings.TrimSpace(rule)
			if trimmed == "" {
				return fmt.Errorf("maintenance.%s[%d]: rule must not be empty", kind, i)
			}
			spans, err := parseRule(trimmed)
			if err != nil {
				return fmt.Errorf("maintenance.%s[%d]: %w", kind, i, err)
			}
			for _, sp := range spans {
				sp.rule = trimmed
				*dst = append(*dst, sp)
			}
		}
		return nil
	}

	if err := compile("deny", denyRules, &sched.deny); err != nil {
		return nil, err
	}
	if err := compile("allow", allowRules, &sched.allow); err != nil {
		return nil, err
	}

	if len(sched.allow) == 0 && len(sched.deny) == 0 {
		return nil, nil
	}
	return sched, nil
}

// Permits reports whether repairs may run at the given time.
func (s *Schedule) Permits(t time.Time) Verdict {
	if s == nil {
		return Verdict{Open: true}
	}

	sec := weekSecond(t)
	for _, sp := range s.deny {
		if sp.contains(sec) {
			return Verdict{Open: false, Rule: sp.rule}
		}
	}
	if len(s.allow) == 0 {
		return Verdict{Open: true}
	}
	for _, sp := range s.allow {
		if sp.contains(sec) {
			return Verdict{Open: true, Rule: sp.rule}
		}
	}
	return Verdict{Open: false}
}

func weekSecond(t time.Time) int {
	return int(t.Weekday())*secondsPerDay +
		t.Hour()*secondsPerHour +
		t.Minute()*secondsPerMinute +
		t.Second()
}

// parseRule splits "days HH:MM - [days] HH:MM" into week spans. Without an
// explicit end day the range applies per start day, crossing midnight when
// the end clock is not after the start clock.
func parseRule(rule string) ([]span, error) {
	colon := strings.Index(rule, ":")
	if colon == -1 {
		return nil, fmt.Errorf("missing time component in %q", rule)
	}
	dash := strings.Index(rule[colon:], "-")
	if dash == -1 {
		return nil, fmt.Errorf("missing '-' in time range %q", rule)
	}
	dash += colon

	startPart := strings.TrimSpace(rule[:dash])
	endPart := strings.TrimSpace(rule[dash+1:])
	if startPart == "" || endPart == "" {
		return nil, fmt.Errorf("invalid window rule %q", rule)
	}

	startDays, startSec, err := parseEndpoint(startPart, nil)
	if err != nil {
		return nil, err
	}
	endDays, endSec, err := parseEndpoint(endPart, startDays)
	if err != nil {
		return nil, err
	}

	crossDay := len(endDays) > 0
	if crossDay {
		if len(startDays) != 1 || len(endDays) != 1 {
			return nil, fmt.Errorf("window %q with an end day must start and end on single days", rule)
		}
		start := int(startDays[0])*secondsPerDay + startSec
		end := int(endDays[0])*secondsPerDay + endSec
		for end <= start {
			end += secondsPerWeek
		}
		return splitAtWeekEnd(start, end), nil
	}

	spans := make([]span, 0, len(startDays))
	for _, day := range startDays {
		start := int(day)*secondsPerDay + startSec
		end := int(day)*secondsPerDay + endSec
		if end <= start {
			end += secondsPerDay
		}
		spans = append(spans, splitAtWeekEnd(start, end)...)
	}
	return spans, nil
}

func splitAtWeekEnd(start, end int) []span {
	if end > secondsPerWeek {
		return []span{
			{start: start, end: secondsPerWeek},
			{start: 0, end: end - secondsPerWeek},
		}
	}
	return []span{{start: start, end: end}}
}

// parseEndpoint reads an optional day spec followed by a HH:MM clock. For a
// start endpoint startDays is nil and a missing day spec means every day; for
// an end endpoint a missing day spec returns no days, signalling the range
// stays within each start day.
func parseEndpoint(part string, startDays []time.Weekday) ([]time.Weekday, int, error) {
	tokens := strings.Fields(part)
	if len(tokens) == 0 {
		return nil, 0, fmt.Errorf("missing day/time in %q", part)
	}

	sec, err := parseClock(tokens[len(tokens)-1])
	if err != nil {
		return nil, 0, err
	}

	isEnd := startDays != nil
	if len(tokens) == 1 {
		if isEnd {
			return nil, sec, nil
		}
		days, err := parseDays("*")
		return days, sec, err
	}

	days, err := parseDays(strings.Join(tokens[:len(tokens)-1], " "))
	if err != nil {
		return nil, 0, err
	}
	return days, sec, nil
}

func parseDays(spec string) ([]time.Weekday, error) {
	trimmed := strings.ToLower(strings.TrimSpace(spec))
	if trimmed == "" {
		return nil, fmt.Errorf("day specification must not be empty")
	}
	if trimmed == "*" {
		return []time.Weekday{
			time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
			time.Thursday, time.Friday, time.Saturday,
		}, nil
	}

	var days []time.Weekday
	seen := make(map[time.Weekday]struct{})
	add := func(day time.Weekday) {
		if _, dup := seen[day]; !dup {
			days = append(days, day)
			seen[day] = struct{}{}
		}
	}

	for _, part := range strings.Split(trimmed, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("invalid day specification %q", spec)
		}
		if strings.Contains(part, "-") {
			bounds := strings.SplitN(part, "-", 2)
			first, ok := weekdayByName(bounds[0])
			if !ok {
				return nil, fmt.Errorf("unknown day %q in %q", bounds[0], spec)
			}
			last, ok := weekdayByName(bounds[1])
			if !ok {
				return nil, fmt.Errorf("unknown day %q in %q", bounds[1], spec)
			}
			for day := first; ; day = (day + 1) % 7 {
				add(day)
				if day == last {
					break
				}
			}
			continue
		}
		day, ok := weekdayByName(part)
		if !ok {
			return nil, fmt.Errorf("unknown day %q in %q", part, spec)
		}
		add(day)
	}
	if len(days) == 0 {
		return nil, fmt.Errorf("day specification %q resolved to no days", spec)
	}
	return days, nil
}

func weekdayByName(value string) (time.Weekday, bool) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "sun", "sunday":
		return time.Sunday, true
	case "mon", "monday":
		return time.Monday, true
	case "tue", "tues", "tuesday":
		return time.Tuesday, true
	case "wed", "weds", "wednesday":
		return time.Wednesday, true
	case "thu", "thur", "thurs", "thursday":
		return time.Thursday, true
	case "fri", "friday":
		return time.Friday, true
	case "sat", "saturday":
		return time.Saturday, true
	}
	return time.Sunday, false
}

func parseClock(value string) (int, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q (expected HH:MM)", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid hour in %q", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid minute in %q", value)
	}
	if hour < 0 || hour > 23 {
		return 0, fmt.Errorf("hour out of range in %q", value)
	}
	if minute < 0 || minute > 59 {
		return 0, fmt.Errorf("minute out of range in %q", value)
	}
	return hour*secondsPerHour + minute*secondsPerMinute, nil
}
