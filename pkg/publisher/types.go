package publisher

import (
	"github.com/holon-run/slam/pkg/outcome"
)

// Action types recorded while publishing.
const (
	ActionPushedBranch  = "pushed_branch"
	ActionCreatedBranch = "created_branch"
	ActionUpdatedBranch = "fast_forwarded_branch"
	ActionBranchCurrent = "branch_up_to_date"
	ActionCreatedPR     = "created_pr"
	ActionFoundPR       = "found_pr"
)

// Action represents a single step taken during publishing.
type Action struct {
	// Type is one of the Action* constants
	Type string `json:"type"`

	// Description provides human-readable details about the action
	Description string `json:"description"`

	// Metadata contains additional action-specific information
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Result is the outcome of publishing one repository plus the steps taken.
type Result struct {
	Outcome outcome.Outcome `json:"outcome"`
	Actions []Action        `json:"actions"`
}

// NewAction creates an Action.
func NewAction(actionType, description string) Action {
	return Action{
		Type:        actionType,
		Description: description,
		Metadata:    make(map[string]string),
	}
}

// AddMetadata adds metadata to an action.
func (a *Action) AddMetadata(key, value string) {
	if a.Metadata == nil {
		a.Metadata = make(map[string]string)
	}
	a.Metadata[key] = value
}

func (r *Result) add(a Action) {
	r.Actions = append(r.Actions, a)
}
