package lifecycle

import (
	"errors"
	"fmt"
)

// WorkerPhase is where a run currently is.
type WorkerPhase int

const (
	Idle WorkerPhase = iota
	CheckingLogin
	AwaitingInteractiveLogin
	VerifyingLogin
	HeadlessCollecting
	Complete
	Failed
)

var phaseNames = [...]string{
	Idle:                     "idle",
	CheckingLogin:            "checking-login",
	AwaitingInteractiveLogin: "awaiting-interactive-login",
	VerifyingLogin:           "verifying-login",
	HeadlessCollecting:       "headless-collecting",
	Complete:                 "complete",
	Failed:                   "failed",
}

func (p WorkerPhase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Terminal reports whether no further transition is possible.
func (p WorkerPhase) Terminal() bool {
	return p == Complete || p == Failed
}

// ErrIllegalTransition is returned for a transition the table does not allow.
var ErrIllegalTransition = errors.New("illegal phase transition")

// Forward transitions. VerifyingLogin -> AwaitingInteractiveLogin is the only
// way back; any non-terminal phase may also go to Failed.
var transitions = map[WorkerPhase][]WorkerPhase{
	Idle:                     {CheckingLogin},
	CheckingLogin:            {HeadlessCollecting, AwaitingInteractiveLogin},
	AwaitingInteractiveLogin: {VerifyingLogin},
	VerifyingLogin:           {HeadlessCollecting, AwaitingInteractiveLogin},
	HeadlessCollecting:       {Complete},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to WorkerPhase) bool {
	if from.Terminal() {
		return false
	}
	if to == Failed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
