package schedule

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"jobflow/internal/domain"
)

// Marshal converts s to its dictionary form keyed by "type".
func Marshal(s Schedule) map[string]any {
	switch v := s.(type) {
	case *Cron:
		return map[string]any{"type": string(KindCron), "expression": v.Expression, "timezone": v.Timezone}
	case *Interval:
		return map[string]any{
			"type":       string(KindInterval),
			"interval":   v.Period.String(),
			"start_time": v.StartTime.Format(time.RFC3339Nano),
		}
	case *OneTime:
		return map[string]any{"type": string(KindOneTime), "run_time": v.RunTime.Format(time.RFC3339Nano)}
	case *Daily:
		times := make([]any, len(v.Times))
		for i, c := range v.Times {
			times[i] = c.String()
		}
		return map[string]any{"type": string(KindDaily), "times": times, "timezone": v.Timezone}
	case *Weekly:
		return map[string]any{"type": string(KindWeekly), "days": intsToAny(v.Days), "time": v.Time.String(), "timezone": v.Timezone}
	case *Monthly:
		return map[string]any{"type": string(KindMonthly), "days": intsToAny(v.Days), "time": v.Time.String(), "timezone": v.Timezone}
	case *EventTrigger:
		m := map[string]any{"type": string(KindEvent), "event_name": v.EventName, "last_triggered": nil}
		if v.LastTriggered != nil {
			m["last_triggered"] = v.LastTriggered.Format(time.RFC3339Nano)
		}
		return m
	default:
		panic(fmt.Sprintf("schedule: unknown variant %T", s))
	}
}

// Unmarshal rebuilds a schedule from its dictionary form.
func Unmarshal(m map[string]any) (Schedule, error) {
	kind, _ := m["type"].(string)
	switch Kind(kind) {
	case KindCron:
		return NewCron(str(m, "expression"), str(m, "timezone"))
	case KindInterval:
		period, err := parsePeriod(m["interval"])
		if err != nil {
			return nil, err
		}
		start, err := parseTime(m, "start_time")
		if err != nil {
			return nil, err
		}
		return NewInterval(period, start)
	case KindOneTime:
		at, err := parseTime(m, "run_time")
		if err != nil {
			return nil, err
		}
		return NewOneTime(at)
	case KindDaily:
		raw, err := strs(m, "times")
		if err != nil {
			return nil, err
		}
		times := make([]Clock, 0, len(raw))
		for _, r := range raw {
			c, err := ParseClock(r)
			if err != nil {
				return nil, err
			}
			times = append(times, c)
		}
		return NewDaily(times, str(m, "timezone"))
	case KindWeekly, KindMonthly:
		days, err := ints(m, "days")
		if err != nil {
			return nil, err
		}
		at, err := ParseClock(str(m, "time"))
		if err != nil {
			return nil, err
		}
		if Kind(kind) == KindWeekly {
			return NewWeekly(days, at, str(m, "timezone"))
		}
		return NewMonthly(days, at, str(m, "timezone"))
	case KindEvent:
		ev, err := NewEventTrigger(str(m, "event_name"))
		if err != nil {
			return nil, err
		}
		if _, ok := m["last_triggered"].(string); ok {
			at, err := parseTime(m, "last_triggered")
			if err != nil {
				return nil, err
			}
			ev.LastTriggered = domain.TimePtr(at)
		}
		return ev, nil
	default:
		return nil, domain.NewValidationError("type", "unknown schedule type %q", kind)
	}
}

// Encode is Marshal followed by JSON encoding.
func Encode(s Schedule) ([]byte, error) { return json.Marshal(Marshal(s)) }

func Decode(b []byte) (Schedule, error) {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, domain.NewValidationError("schedule", "invalid schedule document: %v", err)
	}
	return Unmarshal(m)
}

// Clone returns an independent copy of s.
func Clone(s Schedule) Schedule {
	switch v := s.(type) {
	case nil:
		return nil
	case *Cron:
		cp := *v
		return &cp
	case *Interval:
		cp := *v
		return &cp
	case *OneTime:
		cp := *v
		return &cp
	case *Daily:
		cp := *v
		cp.Times = append([]Clock(nil), v.Times...)
		return &cp
	case *Weekly:
		cp := *v
		cp.Days = append([]int(nil), v.Days...)
		return &cp
	case *Monthly:
		cp := *v
		cp.Days = append([]int(nil), v.Days...)
		return &cp
	case *EventTrigger:
		cp := *v
		if v.LastTriggered != nil {
			cp.LastTriggered = domain.TimePtr(*v.LastTriggered)
		}
		return &cp
	default:
		panic(fmt.Sprintf("schedule: unknown variant %T", s))
	}
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func parseTime(m map[string]any, key string) (time.Time, error) {
	raw := str(m, key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, domain.NewValidationError(key, "invalid timestamp %q", raw)
	}
	return t, nil
}

// parsePeriod accepts a Go duration string or a number of seconds.
func parsePeriod(v any) (time.Duration, error) {
	switch t := v.(type) {
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(t))
		if err != nil {
			return 0, domain.NewValidationError("interval", "invalid interval %q", t)
		}
		return d, nil
	case float64:
		return time.Duration(t * float64(time.Second)), nil
	case int:
		return time.Duration(t) * time.Second, nil
	case int64:
		return time.Duration(t) * time.Second, nil
	default:
		return 0, domain.NewValidationError("interval", "interval is required")
	}
}

func strs(m map[string]any, key string) ([]string, error) {
	switch t := m[key].(type) {
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, v := range t {
			s, ok := v.(string)
			if !ok {
				return nil, domain.NewValidationError(key, "expected strings, got %T", v)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, domain.NewValidationError(key, "%s is required", key)
	}
}

func ints(m map[string]any, key string) ([]int, error) {
	switch t := m[key].(type) {
	case []int:
		return t, nil
	case []any:
		out := make([]int, 0, len(t))
		for _, v := range t {
			n, ok := toInt(v)
			if !ok {
				return nil, domain.NewValidationError(key, "expected integers, got %v", v)
			}
			out = append(out, n)
		}
		return out, nil
	default:
		return nil, domain.NewValidationError(key, "%s is required", key)
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

func intsToAny(in []int) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
