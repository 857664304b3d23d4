package jobs

import (
	"fmt"
	"sync"

	"github.com/MrWong99/voxmatch/internal/convert"
)

// EventType classifies an [Event].
type EventType string

const (
	EventProgress EventType = "progress"
	EventState    EventType = "state"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Event is one notification about a running job, as streamed to API
// clients.
type Event struct {
	Type     EventType     `json:"type"`
	JobID    string        `json:"job_id"`
	Progress int           `json:"progress,omitempty"`
	State    convert.State `json:"state"`
	Error    string        `json:"error,omitempty"`

	// Job is the final record, set on done and error events.
	Job *Job `json:"job,omitempty"`
}

// watchBuffer holds every event a job can emit: one per progress percent,
// each state and the terminal event.
const watchBuffer = 128

// fanout relays one job's events to its watchers. It is subscribed to the
// conversion handle once, when the job is submitted; watchers come and go
// without touching the handle.
type fanout struct {
	id string

	mu       sync.Mutex
	state    convert.State
	progress int
	terminal *Event
	watchers map[chan Event]struct{}
}

func newFanout(id string) *fanout {
	return &fanout{id: id, progress: -1, watchers: make(map[chan Event]struct{})}
}

// attach subscribes f to h. snapshot is read when the terminal event fires,
// after the manager has recorded the outcome.
func (f *fanout) attach(h *convert.Handle, snapshot func() Job) {
	h.OnState(f.setState)
	h.OnProgress(f.setProgress)
	h.OnDone(func(*convert.Result) {
		f.finish(Event{Type: EventDone, JobID: f.id, Progress: 100}, snapshot())
	})
	h.OnError(func(err error) {
		f.finish(Event{Type: EventError, JobID: f.id, Error: err.Error()}, snapshot())
	})
}

func (f *fanout) setState(s convert.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
	if s.IsTerminal() {
		return
	}
	f.broadcast(Event{Type: EventState, JobID: f.id, State: s})
}

func (f *fanout) setProgress(pct int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = pct
	f.broadcast(Event{Type: EventProgress, JobID: f.id, Progress: pct, State: f.state})
}

func (f *fanout) finish(ev Event, j Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminal != nil {
		return
	}
	ev.Job, ev.State = &j, j.State
	f.terminal = &ev
	for ch := range f.watchers {
		deliverTerminal(ch, ev)
		delete(f.watchers, ch)
	}
}

// broadcast drops the event for watchers that are not keeping up. f.mu must
// be held.
func (f *fanout) broadcast(ev Event) {
	for ch := range f.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// deliverTerminal queues ev, evicting the oldest event if the buffer is
// full, and closes ch.
func deliverTerminal(ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
		select {
		case <-ch:
		default:
		}
		ch <- ev
	}
	close(ch)
}

// subscribe replays the job so far into a new channel and registers it for
// the rest.
func (f *fanout) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, watchBuffer)

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.state.IsTerminal() {
		ch <- Event{Type: EventState, JobID: f.id, State: f.state}
	}
	if f.progress >= 0 {
		ch <- Event{Type: EventProgress, JobID: f.id, Progress: f.progress, State: f.state}
	}
	if f.terminal != nil {
		deliverTerminal(ch, *f.terminal)
		return ch, func() {}
	}
	f.watchers[ch] = struct{}{}

	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.watchers[ch]; ok {
			delete(f.watchers, ch)
			close(ch)
		}
	}
}

func (f *fanout) watcherCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers)
}

// Watch returns a channel of events for job id and a function that stops
// the subscription. Past progress and the current state are replayed first.
// The channel is closed after the terminal event or when stop is called,
// whichever comes first; stop may be called more than once. Slow readers
// lose progress events, never the terminal one.
func (m *Manager) Watch(id string) (events <-chan Event, stop func(), err error) {
	e, ok := m.entry(id)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	events, stop = e.events.subscribe()
	return events, stop, nil
}
