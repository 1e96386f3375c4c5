package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrExternalTool  = errors.New("external tool error")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
	ErrTransient     = errors.New("transient failure")

	ErrUnresolvedIdentity = errors.New("unresolved identity")
	ErrUnresolvedSession  = errors.New("unresolved session")
	ErrUnresolvedProject  = errors.New("unresolved project")
)

// StudyStatus is the overall outcome reported for one study at the end of a run.
type StudyStatus string

const (
	StatusPlaced               StudyStatus = "placed"
	StatusPartiallyQuarantined StudyStatus = "partially-quarantined"
	StatusBlockedIdentity      StudyStatus = "blocked-missing-identity"
	StatusBlockedSession       StudyStatus = "blocked-missing-session"
	StatusBlockedProject       StudyStatus = "blocked-missing-project"
	StatusSkipped              StudyStatus = "skipped"
	StatusEmpty                StudyStatus = "empty"
	StatusFailed               StudyStatus = "failed"
)

// Blocked reports whether the status requires manual review before the study
// can be placed.
func (s StudyStatus) Blocked() bool {
	switch s {
	case StatusBlockedIdentity, StatusBlockedSession, StatusBlockedProject:
		return true
	default:
		return false
	}
}

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later status classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// FailureStatus maps a stage error to the study status reported for the run.
func FailureStatus(err error) StudyStatus {
	switch {
	case errors.Is(err, ErrUnresolvedIdentity):
		return StatusBlockedIdentity
	case errors.Is(err, ErrUnresolvedSession):
		return StatusBlockedSession
	case errors.Is(err, ErrUnresolvedProject):
		return StatusBlockedProject
	default:
		return StatusFailed
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
