package models

type ChangeOp string

const (
	ChangeInsert ChangeOp = "INSERT"
	ChangeDelete ChangeOp = "DELETE"
)

// ChangeEvent is published whenever a claim row appears or disappears.
// Status updates on an existing claim do not produce events.
type ChangeEvent struct {
	Op     ChangeOp `json:"op"`
	TaskID string   `json:"task_id"`
	UserID string   `json:"user_id"`
}

// Claimed reports the availability the event implies for its task.
func (e ChangeEvent) Claimed() bool {
	return e.Op == ChangeInsert
}
