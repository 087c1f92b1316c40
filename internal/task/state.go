// Package task holds per-task image generation state and the TTL cache
// that keeps it resident.
package task

import (
	"fmt"
	"regexp"
)

// State is the run phase of a task.
type State string

const (
	StateInit           State = "init"
	StateCoverPending   State = "cover_pending"
	StateCoverDone      State = "cover_done"
	StateCoverFailed    State = "cover_failed"
	StateContentPending State = "content_pending"
	StateFinished       State = "finished"
)

// IsTerminal reports whether a run in state s has ended.
func IsTerminal(s State) bool {
	return s == StateFinished
}

func isAllowedTransition(from, to State) bool {
	switch from {
	case StateInit:
		return to == StateCoverPending
	case StateCoverPending:
		return to == StateCoverDone || to == StateCoverFailed
	case StateCoverDone, StateCoverFailed:
		return to == StateContentPending || to == StateFinished
	case StateContentPending:
		return to == StateFinished
	default:
		return false
	}
}

var idRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidID reports whether id is safe to use as a directory name.
func ValidID(id string) bool {
	return idRe.MatchString(id)
}

func transitionError(id string, from, to State) error {
	return fmt.Errorf("disallowed transition for task %q: %s -> %s", id, from, to)
}
