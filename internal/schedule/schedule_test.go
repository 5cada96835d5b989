package schedule

import (
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"jobflow/internal/domain"
)

func mustTime(t *testing.T, v string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		t.Fatalf("parse %q: %v", v, err)
	}
	return ts
}

func TestIntervalBoundaryIsNotAHit(t *testing.T) {
	t.Parallel()
	t0 := mustTime(t, "2024-01-03T10:00:00Z")
	s, err := NewInterval(30*time.Minute, t0)
	if err != nil {
		t.Fatalf("NewInterval: %v", err)
	}
	got, ok := s.NextRunTime(t0)
	if !ok || !got.Equal(t0.Add(30*time.Minute)) {
		t.Fatalf("NextRunTime(T0) = %v, %v; want %v", got, ok, t0.Add(30*time.Minute))
	}
	got, _ = s.NextRunTime(t0.Add(-time.Hour))
	if !got.Equal(t0) {
		t.Fatalf("before start: got %v, want %v", got, t0)
	}
	got, _ = s.NextRunTime(t0.Add(45 * time.Minute))
	if !got.Equal(t0.Add(time.Hour)) {
		t.Fatalf("mid period: got %v, want %v", got, t0.Add(time.Hour))
	}
}

func TestIntervalIsDue(t *testing.T) {
	t.Parallel()
	t0 := mustTime(t, "2024-01-03T10:00:00Z")
	s, _ := NewInterval(30*time.Minute, t0)
	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"on boundary", t0.Add(30 * time.Minute), true},
		{"inside window", t0.Add(30*time.Minute + 500*time.Millisecond), true},
		{"outside window", t0.Add(30*time.Minute + 2*time.Second), false},
		{"before start", t0.Add(-time.Minute), false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := s.IsDue(tt.now); got != tt.want {
				t.Fatalf("IsDue(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestDailyNextRunTime(t *testing.T) {
	t.Parallel()
	s, err := NewDaily([]Clock{{17, 30}, {9, 0}}, "")
	if err != nil {
		t.Fatalf("NewDaily: %v", err)
	}
	tests := []struct {
		after string
		want  string
	}{
		{"2024-01-03T08:00:00Z", "2024-01-03T09:00:00Z"},
		{"2024-01-03T09:00:00Z", "2024-01-03T17:30:00Z"},
		{"2024-01-03T09:00:30Z", "2024-01-03T17:30:00Z"},
		{"2024-01-03T17:30:00Z", "2024-01-04T09:00:00Z"},
		{"2024-12-31T23:59:00Z", "2025-01-01T09:00:00Z"},
	}
	for _, tt := range tests {
		got, ok := s.NextRunTime(mustTime(t, tt.after))
		if !ok || !got.Equal(mustTime(t, tt.want)) {
			t.Errorf("NextRunTime(%s) = %v, want %s", tt.after, got, tt.want)
		}
	}
}

func TestDailyTimezone(t *testing.T) {
	t.Parallel()
	s, err := NewDaily([]Clock{{9, 0}}, "America/New_York")
	if err != nil {
		t.Fatalf("NewDaily: %v", err)
	}
	got, _ := s.NextRunTime(mustTime(t, "2024-01-03T00:00:00Z"))
	if want := mustTime(t, "2024-01-03T14:00:00Z"); !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestWeeklyNextRunTime(t *testing.T) {
	t.Parallel()
	// Monday and Wednesday at 09:00; 2024-01-03 is a Wednesday.
	s, err := NewWeekly([]int{2, 0}, Clock{9, 0}, "UTC")
	if err != nil {
		t.Fatalf("NewWeekly: %v", err)
	}
	tests := []struct {
		after string
		want  string
	}{
		{"2024-01-03T08:00:00Z", "2024-01-03T09:00:00Z"},
		{"2024-01-03T10:00:00Z", "2024-01-08T09:00:00Z"},
		{"2024-01-08T09:00:00Z", "2024-01-10T09:00:00Z"},
		{"2024-01-05T12:00:00Z", "2024-01-08T09:00:00Z"},
	}
	for _, tt := range tests {
		got, ok := s.NextRunTime(mustTime(t, tt.after))
		if !ok || !got.Equal(mustTime(t, tt.want)) {
			t.Errorf("NextRunTime(%s) = %v, want %s", tt.after, got, tt.want)
		}
	}

	single, _ := NewWeekly([]int{2}, Clock{9, 0}, "")
	got, _ := single.NextRunTime(mustTime(t, "2024-01-03T09:00:00Z"))
	if want := mustTime(t, "2024-01-10T09:00:00Z"); !got.Equal(want) {
		t.Fatalf("same weekday a week later: got %v, want %v", got, want)
	}
}

func TestMonthlyDayFallback(t *testing.T) {
	t.Parallel()
	s, err := NewMonthly([]int{31}, Clock{9, 0}, "")
	if err != nil {
		t.Fatalf("NewMonthly: %v", err)
	}
	got, ok := s.NextRunTime(mustTime(t, "2024-02-01T00:00:00Z"))
	if !ok {
		t.Fatal("expected an occurrence")
	}
	if want := mustTime(t, "2024-03-31T09:00:00Z"); !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	got, _ = s.NextRunTime(mustTime(t, "2024-03-31T09:00:00Z"))
	if want := mustTime(t, "2024-05-31T09:00:00Z"); !got.Equal(want) {
		t.Fatalf("after March 31: got %v, want %v", got, want)
	}

	s30, _ := NewMonthly([]int{30}, Clock{9, 0}, "")
	got, _ = s30.NextRunTime(mustTime(t, "2025-01-30T09:00:00Z"))
	if want := mustTime(t, "2025-03-30T09:00:00Z"); !got.Equal(want) {
		t.Fatalf("across February: got %v, want %v", got, want)
	}
}

func TestMonthlyNextRunTime(t *testing.T) {
	t.Parallel()
	s, _ := NewMonthly([]int{15, 1, 30}, Clock{6, 30}, "")
	tests := []struct {
		after string
		want  string
	}{
		{"2024-01-01T06:00:00Z", "2024-01-01T06:30:00Z"},
		{"2024-01-01T06:30:00Z", "2024-01-15T06:30:00Z"},
		{"2024-01-30T07:00:00Z", "2024-02-01T06:30:00Z"},
		{"2024-02-15T07:00:00Z", "2024-03-01T06:30:00Z"},
		{"2024-12-30T07:00:00Z", "2025-01-01T06:30:00Z"},
	}
	for _, tt := range tests {
		got, ok := s.NextRunTime(mustTime(t, tt.after))
		if !ok || !got.Equal(mustTime(t, tt.want)) {
			t.Errorf("NextRunTime(%s) = %v, want %s", tt.after, got, tt.want)
		}
	}
}

func TestCronSchedule(t *testing.T) {
	t.Parallel()
	s, err := NewCron("0 9 * * *", "")
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}
	got, _ := s.NextRunTime(mustTime(t, "2024-01-03T10:00:00Z"))
	if want := mustTime(t, "2024-01-04T09:00:00Z"); !got.Equal(want) {
		t.Fatalf("NextRunTime = %v, want %v", got, want)
	}
	if !s.IsDue(mustTime(t, "2024-01-04T09:00:30Z")) {
		t.Fatal("expected due 30s after the scheduled instant")
	}
	if s.IsDue(mustTime(t, "2024-01-04T09:01:30Z")) {
		t.Fatal("expected not due 90s after the scheduled instant")
	}

	hourly, err := NewCron("@hourly", "")
	if err != nil {
		t.Fatalf("NewCron(@hourly): %v", err)
	}
	if !hourly.IsDue(mustTime(t, "2024-01-04T09:00:10Z")) {
		t.Fatal("descriptor schedule not due just after the hour")
	}
	if _, err := NewCron("@every 5m", ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("NewCron(@every) err = %v, want validation error", err)
	}
}

func TestOneTimeAndEvent(t *testing.T) {
	t.Parallel()
	at := mustTime(t, "2024-01-03T10:00:00Z")
	s, _ := NewOneTime(at)
	if got, ok := s.NextRunTime(at.Add(-time.Second)); !ok || !got.Equal(at) {
		t.Fatalf("before run time: %v %v", got, ok)
	}
	if _, ok := s.NextRunTime(at); ok {
		t.Fatal("expected no occurrence at run time")
	}
	if !s.IsDue(at) || !s.IsDue(at.Add(999*time.Millisecond)) || s.IsDue(at.Add(time.Second)) {
		t.Fatal("one-time due window must be [run_time, run_time+1s)")
	}
	if got := NextN(s, at.Add(-time.Hour), 5); len(got) != 1 {
		t.Fatalf("NextN one-time = %d items, want 1", len(got))
	}

	ev, _ := NewEventTrigger("user.signup")
	if _, ok := ev.NextRunTime(at); ok || ev.IsDue(at) {
		t.Fatal("event trigger must never be time-due")
	}
	e := ev.TriggerAt(map[string]any{"user": "u1"}, at)
	if ev.LastTriggered == nil || !ev.LastTriggered.Equal(at) || e.Name != "user.signup" {
		t.Fatalf("trigger not recorded: %+v %+v", ev, e)
	}
}

func TestNextNAdvances(t *testing.T) {
	t.Parallel()
	t0 := mustTime(t, "2024-01-03T10:00:00Z")
	s, _ := NewInterval(20*time.Second, t0)
	got := NextN(s, t0, 4)
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Sub(got[i-1]) < time.Minute {
			t.Fatalf("occurrences less than a minute apart: %v", got)
		}
	}
	if want := mustTime(t, "2024-01-03T10:01:40Z"); !got[1].Equal(want) {
		t.Fatalf("second occurrence = %v, want %v", got[1], want)
	}
}

func TestScheduleRoundTrip(t *testing.T) {
	t.Parallel()
	ref := mustTime(t, "2024-01-03T10:00:00Z")
	mk := func(s Schedule, err error) Schedule {
		if err != nil {
			t.Fatalf("construct: %v", err)
		}
		return s
	}
	ev, _ := NewEventTrigger("deploy")
	ev.TriggerAt(nil, ref)
	all := []Schedule{
		mk(NewCron("*/15 9-17 * * 1-5", "Europe/Berlin")),
		mk(NewInterval(90*time.Minute, ref.Add(-7*time.Minute))),
		mk(NewOneTime(ref.Add(48 * time.Hour))),
		mk(NewDaily([]Clock{{8, 15}, {20, 45}}, "Asia/Tokyo")),
		mk(NewWeekly([]int{4, 6}, Clock{23, 59}, "")),
		mk(NewMonthly([]int{29, 30, 31}, Clock{0, 0}, "America/New_York")),
		ev,
	}
	for _, s := range all {
		s := s
		t.Run(string(s.Kind()), func(t *testing.T) {
			raw, err := Encode(s)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			back, err := Decode(raw)
			if err != nil {
				t.Fatalf("Decode(%s): %v", raw, err)
			}
			if back.Kind() != s.Kind() {
				t.Fatalf("kind %s, want %s", back.Kind(), s.Kind())
			}
			want, got := NextN(s, ref, 5), NextN(back, ref, 5)
			if len(want) != len(got) {
				t.Fatalf("occurrence count %d, want %d", len(got), len(want))
			}
			for i := range want {
				if !want[i].Equal(got[i]) {
					t.Fatalf("occurrence %d = %v, want %v", i, got[i], want[i])
				}
			}
			direct, err := Unmarshal(Marshal(s))
			if err != nil || direct.Kind() != s.Kind() {
				t.Fatalf("Unmarshal(Marshal) = %v, %v", direct, err)
			}
		})
	}
	back, _ := Unmarshal(Marshal(ev))
	if lt := back.(*EventTrigger).LastTriggered; lt == nil || !lt.Equal(ref) {
		t.Fatalf("last_triggered lost: %v", lt)
	}
}

func TestConstructorValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
	}{
		{"bad cron", func() error { _, err := NewCron("61 * * * *", ""); return err }()},
		{"empty cron", func() error { _, err := NewCron(" ", ""); return err }()},
		{"bad timezone", func() error { _, err := NewCron("* * * * *", "Mars/Olympus"); return err }()},
		{"zero interval", func() error { _, err := NewInterval(0, time.Time{}); return err }()},
		{"zero run time", func() error { _, err := NewOneTime(time.Time{}); return err }()},
		{"empty daily", func() error { _, err := NewDaily(nil, ""); return err }()},
		{"bad hour", func() error { _, err := NewDaily([]Clock{{24, 0}}, ""); return err }()},
		{"bad weekday", func() error { _, err := NewWeekly([]int{7}, Clock{9, 0}, ""); return err }()},
		{"empty weekly", func() error { _, err := NewWeekly(nil, Clock{9, 0}, ""); return err }()},
		{"bad month day", func() error { _, err := NewMonthly([]int{0}, Clock{9, 0}, ""); return err }()},
		{"bad minute", func() error { _, err := NewMonthly([]int{1}, Clock{9, 60}, ""); return err }()},
		{"empty event", func() error { _, err := NewEventTrigger(""); return err }()},
		{"unknown type", func() error { _, err := Unmarshal(map[string]any{"type": "lunar"}); return err }()},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			var ve *domain.ValidationError
			if !errors.As(tt.err, &ve) || !errors.Is(tt.err, domain.ErrValidation) {
				t.Fatalf("err = %v, want ValidationError", tt.err)
			}
		})
	}
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	c, err := ParseClock("07:05")
	if err != nil || c != (Clock{7, 5}) {
		t.Fatalf("ParseClock = %v, %v", c, err)
	}
	for _, bad := range []string{"7", "24:00", "12:7", "aa:bb"} {
		if _, err := ParseClock(bad); err == nil {
			t.Errorf("ParseClock(%q) expected error", bad)
		}
	}
}
