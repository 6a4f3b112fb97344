package pipeline

import "sync"

type EventKind int

const (
	EventLog EventKind = iota
	EventState
	EventImportStarted
	EventImportEnded
	EventCompleted
)

func (k EventKind) String() string {
	switch k {
	case EventLog:
		return "log"
	case EventState:
		return "state"
	case EventImportStarted:
		return "import started"
	case EventImportEnded:
		return "import ended"
	case EventCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Event is published to subscribers during a run. Message is set for
// EventLog, State for EventState and Result for EventCompleted.
type Event struct {
	Kind       EventKind
	RecordID   string
	CustomData any
	Message    string
	State      State
	Result     Result
}

const subscriberBuffer = 256

type subscriber struct {
	ch       chan Event
	done     chan struct{}
	stopOnce sync.Once
}

type broker struct {
	mx   sync.RWMutex
	subs map[*subscriber]struct{}
}

// Subscribe returns a channel receiving all events of all runs and a
// function releasing it. Publishing blocks while a subscriber's buffer is
// full, so subscribers must keep reading until they unsubscribe.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	s := &subscriber{
		ch:   make(chan Event, subscriberBuffer),
		done: make(chan struct{}),
	}
	b := &o.broker
	b.mx.Lock()
	if b.subs == nil {
		b.subs = make(map[*subscriber]struct{})
	}
	b.subs[s] = struct{}{}
	b.mx.Unlock()

	unsubscribe := func() {
		s.stopOnce.Do(func() {
			close(s.done)
			b.mx.Lock()
			delete(b.subs, s)
			close(s.ch)
			b.mx.Unlock()
		})
	}
	return s.ch, unsubscribe
}

func (b *broker) publish(e Event) {
	b.mx.RLock()
	defer b.mx.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		case <-s.done:
		}
	}
}
