package install

// State is a step of the installation state machine.
type State string

const (
	// StateIdle is the initial state of a session.
	StateIdle State = "idle"
	// StateDetecting enumerates connected devices.
	StateDetecting State = "detecting"
	// StateVerifyingCompatibility compares the device with the target.
	StateVerifyingCompatibility State = "verifying-compatibility"
	// StateBackingUp stores a safety backup.
	StateBackingUp State = "backing-up"
	// StateVerifyingArtifact checks the artifact on disk.
	StateVerifyingArtifact State = "verifying-artifact"
	// StateAwaitingManualMode waits for the operator to put the device into DFU.
	StateAwaitingManualMode State = "awaiting-manual-mode"
	// StateFlashing runs the destructive restore.
	StateFlashing State = "flashing"
	// StateVerifyingPostFlash waits for the device to come back.
	StateVerifyingPostFlash State = "verifying-post-flash"
	// StateCompleted is the successful terminal state.
	StateCompleted State = "completed"
	// StateFailed is the unsuccessful terminal state.
	StateFailed State = "failed"
)

// sequence is the happy path in order.
var sequence = []State{
	StateIdle,
	StateDetecting,
	StateVerifyingCompatibility,
	StateBackingUp,
	StateVerifyingArtifact,
	StateAwaitingManualMode,
	StateFlashing,
	StateVerifyingPostFlash,
	StateCompleted,
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Destructive reports whether s modifies the device irreversibly.
func (s State) Destructive() bool {
	return s == StateFlashing
}

// CanTransition reports whether the state machine allows from -> to.
// Every non-terminal state may fail; otherwise only the next step of the sequence is allowed.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}

	if to == StateFailed {
		return true
	}

	for i, state := range sequence[:len(sequence)-1] {
		if state == from {
			return sequence[i+1] == to
		}
	}

	return false
}
