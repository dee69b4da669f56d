package prediction

// State is a step of a single prediction run. Errored is absorbing and
// reachable from every other state.
type State int

const (
	Received State = iota
	Validated
	Normalized
	Inferred
	Completed
	Errored
)

var stateNames = [...]string{
	Received:   "received",
	Validated:  "validated",
	Normalized: "normalized",
	Inferred:   "inferred",
	Completed:  "completed",
	Errored:    "errored",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
