package engine

import (
	"fmt"

	"opd/internal/model"
)

// successors is the forward pipeline plus the two controlled back-edges out
// of verifying (iterate and restart).
var successors = map[model.StoryStatus][]model.StoryStatus{
	model.StatusPreparing:  {model.StatusClarifying},
	model.StatusClarifying: {model.StatusPlanning},
	model.StatusPlanning:   {model.StatusDesigning},
	model.StatusDesigning:  {model.StatusCoding},
	model.StatusCoding:     {model.StatusVerifying},
	model.StatusVerifying:  {model.StatusDone, model.StatusCoding, model.StatusDesigning},
	model.StatusDone:       {},
}

// Transition checks that target is reachable from current. It is a pure
// check; callers perform the state write.
func Transition(current, target model.StoryStatus) error {
	for _, s := range successors[current] {
		if s == target {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
}

// NextForward is the single forward successor used by ConfirmStage. The
// verifying stage has no automatic forward move; the user decides.
func NextForward(current model.StoryStatus) (model.StoryStatus, bool) {
	switch current {
	case model.StatusPreparing:
		return model.StatusClarifying, true
	case model.StatusClarifying:
		return model.StatusPlanning, true
	case model.StatusPlanning:
		return model.StatusDesigning, true
	case model.StatusDesigning:
		return model.StatusCoding, true
	case model.StatusVerifying:
		return model.StatusDone, true
	}
	return "", false
}

// ValidRollbackTarget checks that target is a document stage strictly
// earlier than current.
func ValidRollbackTarget(current, target model.StoryStatus) error {
	isDoc := false
	for _, s := range model.DocumentStages {
		if s == target {
			isDoc = true
			break
		}
	}
	if !isDoc {
		return validationf("rollback target %s is not a document stage", target)
	}
	ci, ti := model.StageIndex(current), model.StageIndex(target)
	if ci < 0 || ti < 0 || ti >= ci {
		return validationf("rollback target %s is not earlier than %s", target, current)
	}
	return nil
}
