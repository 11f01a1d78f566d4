package job

import "fmt"

// State is a job's position in its lifecycle.
type State int

const (
	Pending State = iota
	Localizing
	Submitted
	Running
	Succeeded
	Failed
	Killed
	Delocalized
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Localizing:
		return "localizing"
	case Submitted:
		return "submitted"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Killed:
		return "killed"
	case Delocalized:
		return "delocalized"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further execution-related transition occurs
// from s. Delocalized is post-terminal bookkeeping, not a terminal state.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed || s == Killed
}

// Active reports whether s counts against the admission ceiling.
func (s State) Active() bool {
	return s == Submitted || s == Running
}

// transitions lists the legal lifecycle edges. Killed is reachable from
// any non-terminal state (batch cancellation) and is final: output
// collection only follows Succeeded or Failed. Failed -> Pending exists
// only for jobs carrying an explicit resubmission budget.
var transitions = map[State][]State{
	Pending:    {Localizing, Killed},
	Localizing: {Submitted, Failed, Killed},
	Submitted:  {Running, Killed},
	Running:    {Succeeded, Failed, Killed},
	Succeeded:  {Delocalized},
	Failed:     {Delocalized, Pending},
	Killed:     {},
}

// CanTransition reports whether the edge from -> to is legal.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
