package guard

import (
	"fmt"
	"time"
)

// State is the progress of one guarded invocation.
type State int

const (
	Pending State = iota
	Acquiring
	Acquired
	Executing
	Releasing
	Done
	TimedOut
	Interrupted
	Failed
)

var stateNames = map[State]string{
	Pending:     "pending",
	Acquiring:   "acquiring",
	Acquired:    "acquired",
	Executing:   "executing",
	Releasing:   "releasing",
	Done:        "done",
	TimedOut:    "timed_out",
	Interrupted: "interrupted",
	Failed:      "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var transitions = map[State][]State{
	Pending:     {Acquiring, Failed},
	Acquiring:   {Acquired, TimedOut, Interrupted, Failed},
	Acquired:    {Executing},
	Executing:   {Releasing},
	Releasing:   {Done},
	TimedOut:    {Done},
	Interrupted: {Done},
	Failed:      {Done},
}

// CanTransition reports whether an invocation may move from one state to
// another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is delivered to observers on every state change. Err carries
// the failure that caused the change, if any.
type Transition struct {
	Key  string
	From State
	To   State
	At   time.Time
	Err  error
}

// Observer receives transitions synchronously, on the invoking goroutine.
type Observer func(Transition)

type tracker struct {
	key       string
	state     State
	observers []Observer
}

func (t *tracker) advance(to State, err error) {
	if !CanTransition(t.state, to) {
		panic(fmt.Sprintf("guard: invalid transition %s -> %s", t.state, to))
	}
	tr := Transition{Key: t.key, From: t.state, To: to, At: time.Now(), Err: err}
	t.state = to
	for _, o := range t.observers {
		o(tr)
	}
}
