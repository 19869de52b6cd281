package postorder

import "errors"

var ErrInvalidStateTransition = errors.New("postorder: invalid state transition")

type Phase string

const (
	PhaseInitiated    Phase = "initiated"
	PhaseStockApplied Phase = "stock_applied"
	PhaseCartCleared  Phase = "cart_cleared"
	PhaseFinalized    Phase = "finalized"
	PhaseFailed       Phase = "failed"
)

// runState implements the state pattern for the post-order side-effect
// sequence. Failed absorbs from any non-terminal state.
type runState interface {
	Phase() Phase
	OnStockApplied() (runState, error)
	OnCartCleared() (runState, error)
	OnFinalized() (runState, error)
	OnFailed(reason string) (runState, error)
}

type initiatedState struct{}

func (initiatedState) Phase() Phase { return PhaseInitiated }

func (initiatedState) OnStockApplied() (runState, error) {
	return stockAppliedState{}, nil
}

func (initiatedState) OnCartCleared() (runState, error) {
	return nil, ErrInvalidStateTransition
}

func (initiatedState) OnFinalized() (runState, error) {
	return nil, ErrInvalidStateTransition
}

func (initiatedState) OnFailed(reason string) (runState, error) {
	return failedState{reason: reason}, nil
}

type stockAppliedState struct{}

func (stockAppliedState) Phase() Phase { return PhaseStockApplied }

func (stockAppliedState) OnStockApplied() (runState, error) {
	return stockAppliedState{}, nil
}

func (stockAppliedState) OnCartCleared() (runState, error) {
	return cartClearedState{}, nil
}

func (stockAppliedState) OnFinalized() (runState, error) {
	return nil, ErrInvalidStateTransition
}

func (stockAppliedState) OnFailed(reason string) (runState, error) {
	return failedState{reason: reason}, nil
}

type cartClearedState struct{}

func (cartClearedState) Phase() Phase { return PhaseCartCleared }

func (cartClearedState) OnStockApplied() (runState, error) {
	return nil, ErrInvalidStateTransition
}

func (cartClearedState) OnCartCleared() (runState, error) {
	return cartClearedState{}, nil
}

func (cartClearedState) OnFinalized() (runState, error) {
	return finalizedState{}, nil
}

func (cartClearedState) OnFailed(reason string) (runState, error) {
	return failedState{reason: reason}, nil
}

type finalizedState struct{}

func (finalizedState) Phase() Phase { return PhaseFinalized }

func (finalizedState) OnStockApplied() (runState, error) {
	return nil, ErrInvalidStateTransition
}

func (finalizedState) OnCartCleared() (runState, error) {
	return nil, ErrInvalidStateTransition
}

func (finalizedState) OnFinalized() (runState, error) {
	return finalizedState{}, nil
}

func (finalizedState) OnFailed(string) (runState, error) {
	return nil, ErrInvalidStateTransition
}

type failedState struct{ reason string }

func (failedState) Phase() Phase { return PhaseFailed }

func (failedState) OnStockApplied() (runState, error) {
	return nil, ErrInvalidStateTransition
}

func (failedState) OnCartCleared() (runState, error) {
	return nil, ErrInvalidStateTransition
}

func (failedState) OnFinalized() (runState, error) {
	return nil, ErrInvalidStateTransition
}

func (s failedState) OnFailed(reason string) (runState, error) {
	s.reason = reason
	return s, nil
}
