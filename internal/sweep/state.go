package sweep

import (
	"errors"
	"fmt"
)

type phase int

const (
	phaseIdle phase = iota
	phaseSelecting
	phaseSubmitting
	phaseWaiting
	phaseExtracted
	phaseInterrupted
	phaseRetrying
	phaseExhausted
	phaseSkipped
)

var phaseNames = [...]string{
	phaseIdle:        "idle",
	phaseSelecting:   "selecting",
	phaseSubmitting:  "submitting",
	phaseWaiting:     "waiting",
	phaseExtracted:   "extracted",
	phaseInterrupted: "interrupted",
	phaseRetrying:    "retrying",
	phaseExhausted:   "exhausted",
	phaseSkipped:     "skipped",
}

func (p phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

var transitions = map[phase][]phase{
	phaseIdle:        {phaseSelecting},
	phaseSelecting:   {phaseSubmitting, phaseInterrupted, phaseSkipped},
	phaseSubmitting:  {phaseWaiting, phaseInterrupted, phaseSkipped},
	phaseWaiting:     {phaseExtracted, phaseInterrupted, phaseSkipped},
	phaseInterrupted: {phaseRetrying, phaseExhausted},
	phaseRetrying:    {phaseSelecting},
}

var errIllegalTransition = errors.New("illegal point state transition")

// pointState tracks one parameter point through its interaction lifecycle.
type pointState struct {
	current phase
}

func (s *pointState) to(next phase) error {
	for _, allowed := range transitions[s.current] {
		if allowed == next {
			s.current = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", errIllegalTransition, s.current, next)
}

func (s *pointState) terminal() bool {
	switch s.current {
	case phaseExtracted, phaseExhausted, phaseSkipped:
		return true
	default:
		return false
	}
}
