package schedule

import (
	"strings"
	"time"

	"jobflow/internal/domain"
)

// EventTrigger never fires on time; it fires when its event is raised.
type EventTrigger struct {
	EventName     string
	LastTriggered *time.Time
}

// Event is what a trigger records when raised.
type Event struct {
	Name string
	Data map[string]any
	At   time.Time
}

func NewEventTrigger(name string) (*EventTrigger, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.NewValidationError("event_name", "event name is required")
	}
	return &EventTrigger{EventName: name}, nil
}

func (s *EventTrigger) Kind() Kind { return KindEvent }
func (s *EventTrigger) sealed()    {}

func (s *EventTrigger) NextRunTime(time.Time) (time.Time, bool) { return time.Time{}, false }
func (s *EventTrigger) IsDue(time.Time) bool                    { return false }

// Trigger records the firing time and returns the raised event.
func (s *EventTrigger) Trigger(data map[string]any) Event {
	return s.TriggerAt(data, time.Now())
}

func (s *EventTrigger) TriggerAt(data map[string]any, now time.Time) Event {
	s.LastTriggered = domain.TimePtr(now)
	return Event{Name: s.EventName, Data: domain.CloneMap(data), At: now.UTC()}
}
