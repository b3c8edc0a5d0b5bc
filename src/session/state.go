package session

// State is the lifecycle state of a call session
type State int

const (
	Idle State = iota
	Connecting
	Active
	// Interrupted is entered and left within a single barge-in
	Interrupted
	Ending
	Ended
	Failed
)

var stateNames = map[State]string{
	Idle:        "idle",
	Connecting:  "connecting",
	Active:      "active",
	Interrupted: "interrupted",
	Ending:      "ending",
	Ended:       "ended",
	Failed:      "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether no further transitions can happen
func (s State) Terminal() bool {
	return s == Ended || s == Failed
}

// Live reports whether the call is up (Active or mid barge-in)
func (s State) Live() bool {
	return s == Active || s == Interrupted
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
