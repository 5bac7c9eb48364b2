package domain

// State is the lifecycle step of one call session.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateReady
	StateJoining
	StateJoined
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	}
	return "unknown"
}

// Role is decided by whoever sends the first offer.
type Role int

const (
	RoleUndetermined Role = iota
	RoleCaller
	RoleCallee
)

func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleCallee:
		return "callee"
	}
	return "undetermined"
}

// Controls mirrors the three buttons of the call page.
type Controls struct {
	Start bool `json:"start"`
	Join  bool `json:"join"`
	Leave bool `json:"leave"`
}

// ControlsFor reports which controls are enabled in state s.
func ControlsFor(s State) Controls {
	switch s {
	case StateIdle:
		return Controls{Start: true}
	case StateReady:
		return Controls{Join: true}
	case StateJoining, StateJoined:
		return Controls{Leave: true}
	}
	return Controls{}
}
