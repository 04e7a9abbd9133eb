package deid

import (
	"github.com/ehr/deid/internal/platform/fault"
)

// Stage is a step of the upload pipeline, in execution order.
type Stage int

const (
	StageReceived Stage = iota
	StageExtracted
	StageRedacted
	StageSealed
	StageStoredOriginal
	StageStoredRedacted
	StageCorrelated
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageReceived:
		return "received"
	case StageExtracted:
		return "extracted"
	case StageRedacted:
		return "redacted"
	case StageSealed:
		return "sealed"
	case StageStoredOriginal:
		return "stored_original"
	case StageStoredRedacted:
		return "stored_redacted"
	case StageCorrelated:
		return "correlated"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}

func (s Stage) op() string { return "deid." + s.String() }

// kind is the fault kind a stage reports when it cannot start or complete.
func (s Stage) kind() fault.Kind {
	switch s {
	case StageReceived:
		return fault.KindValidation
	case StageExtracted, StageRedacted, StageSealed:
		return fault.KindExternalProcess
	case StageStoredOriginal, StageStoredRedacted:
		return fault.KindStorage
	default:
		return fault.KindPersistence
	}
}

// StageError is the Failed state: the stage that failed and why.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return "de-identification failed at " + e.Stage.String() + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }
