package models

import "time"

// DefaultMaxActiveClaims is the per-user limit on claims that are
// claimed or in progress.
const DefaultMaxActiveClaims = 3

type ClaimStatus string

const (
	ClaimStatusClaimed       ClaimStatus = "claimed"
	ClaimStatusInProgress    ClaimStatus = "in_progress"
	ClaimStatusWaitingReview ClaimStatus = "waiting_review"
	ClaimStatusAccepted      ClaimStatus = "accepted"
)

// Active reports whether the status counts against the per-user limit.
func (s ClaimStatus) Active() bool {
	return s == ClaimStatusClaimed || s == ClaimStatusInProgress
}

func (s ClaimStatus) Valid() bool {
	switch s {
	case ClaimStatusClaimed, ClaimStatusInProgress, ClaimStatusWaitingReview, ClaimStatusAccepted:
		return true
	}
	return false
}

// Rank orders statuses by how urgently they need the owner's attention.
func (s ClaimStatus) Rank() int {
	switch s {
	case ClaimStatusInProgress:
		return 0
	case ClaimStatusClaimed:
		return 1
	case ClaimStatusWaitingReview:
		return 2
	case ClaimStatusAccepted:
		return 3
	}
	return 4
}

type Action string

const (
	ActionStart   Action = "start"
	ActionSubmit  Action = "submit"
	ActionAccept  Action = "accept"
	ActionReopen  Action = "reopen"
	ActionRelease Action = "release"
)

// TimestampField names the claim column stamped by a transition.
type TimestampField string

const (
	FieldStartedAt   TimestampField = "started_at"
	FieldSubmittedAt TimestampField = "submitted_at"
	FieldCompletedAt TimestampField = "completed_at"
)

type Claim struct {
	ID          string      `json:"id"`
	TaskID      string      `json:"task_id"`
	UserID      string      `json:"user_id"`
	Status      ClaimStatus `json:"status"`
	ClaimedAt   time.Time   `json:"claimed_at"`
	StartedAt   *time.Time  `json:"started_at"`
	SubmittedAt *time.Time  `json:"submitted_at"`
	CompletedAt *time.Time  `json:"completed_at"`

	// Task is the denormalized catalog record, attached on listing.
	Task *Task `json:"task,omitempty"`
}

// Clone returns a copy that shares no pointers with c.
func (c Claim) Clone() Claim {
	out := c
	out.StartedAt = cloneTime(c.StartedAt)
	out.SubmittedAt = cloneTime(c.SubmittedAt)
	out.CompletedAt = cloneTime(c.CompletedAt)
	if c.Task != nil {
		t := *c.Task
		out.Task = &t
	}
	return out
}

// Apply moves the claim through tr and stamps the transition's timestamp.
// Reopening clears the review timestamps so the claim reads as fresh work.
func (c *Claim) Apply(tr Transition, at time.Time) {
	c.Status = tr.To
	stamp := at
	switch tr.Field {
	case FieldStartedAt:
		c.StartedAt = &stamp
	case FieldSubmittedAt:
		c.SubmittedAt = &stamp
	case FieldCompletedAt:
		c.CompletedAt = &stamp
	}
	if tr.Action == ActionReopen {
		c.SubmittedAt = nil
		c.CompletedAt = nil
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Transition is one edge of the claim state machine. Release edges have an
// empty To and Field because the claim row is deleted.
type Transition struct {
	Action Action
	From   ClaimStatus
	To     ClaimStatus
	Field  TimestampField

	// Reactivates marks edges that move an inactive claim back into an
	// active status and therefore consume capacity.
	Reactivates bool
}

func (t Transition) Release() bool {
	return t.Action == ActionRelease
}

var transitions = []Transition{
	{Action: ActionStart, From: ClaimStatusClaimed, To: ClaimStatusInProgress, Field: FieldStartedAt},
	{Action: ActionSubmit, From: ClaimStatusInProgress, To: ClaimStatusWaitingReview, Field: FieldSubmittedAt},
	{Action: ActionAccept, From: ClaimStatusWaitingReview, To: ClaimStatusAccepted, Field: FieldCompletedAt},
	{Action: ActionReopen, From: ClaimStatusWaitingReview, To: ClaimStatusInProgress, Field: FieldStartedAt, Reactivates: true},
	{Action: ActionReopen, From: ClaimStatusAccepted, To: ClaimStatusInProgress, Field: FieldStartedAt, Reactivates: true},
	{Action: ActionRelease, From: ClaimStatusClaimed},
	{Action: ActionRelease, From: ClaimStatusInProgress},
}

// LookupTransition returns the edge taken by applying a to a claim in from.
func LookupTransition(from ClaimStatus, a Action) (Transition, bool) {
	for _, t := range transitions {
		if t.From == from && t.Action == a {
			return t, true
		}
	}
	return Transition{}, false
}

// LookupTransitionTo returns the non-release edge from one status to another.
func LookupTransitionTo(from, to ClaimStatus) (Transition, bool) {
	for _, t := range transitions {
		if t.From == from && t.To == to && !t.Release() {
			return t, true
		}
	}
	return Transition{}, false
}

func ParseAction(s string) (Action, bool) {
	switch a := Action(s); a {
	case ActionStart, ActionSubmit, ActionAccept, ActionReopen, ActionRelease:
		return a, true
	}
	return "", false
}
