package ingest

// State is the pipeline's position in the ingestion cycle.
type State int32

const (
	StateIdle State = iota
	StateMovingIn
	StateExtracting
	StateCommitting
	StateMovingOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMovingIn:
		return "moving_in"
	case StateExtracting:
		return "extracting"
	case StateCommitting:
		return "committing"
	case StateMovingOut:
		return "moving_out"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
