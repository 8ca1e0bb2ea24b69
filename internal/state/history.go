package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Transition is one append-only stage history row.
type Transition struct {
	ID         int64     `json:"id"`
	StageID    string    `json:"stage_id"`
	Event      string    `json:"event"`
	State      string    `json:"state"`
	Detail     string    `json:"detail,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// History is the ledger of stage transitions. Rows are never updated.
type History struct {
	db  *sql.DB
	now func() time.Time
}

func NewHistory(db *sql.DB) *History {
	return &History{db: db, now: time.Now}
}

// Record appends a transition for stageID.
func (h *History) Record(ctx context.Context, stageID, event, state, detail string) error {
	if stageID == "" {
		return fmt.Errorf("stage id is empty")
	}
	var d any
	if detail != "" {
		d = detail
	}
	_, err := h.db.ExecContext(ctx, `
INSERT INTO stage_history(stage_id, event, state, detail, recorded_at)
VALUES(?, ?, ?, ?, ?);
`, stageID, event, state, d, h.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record stage history: %w", err)
	}
	return nil
}

// List returns the transitions of stageID, oldest first.
func (h *History) List(ctx context.Context, stageID string) ([]Transition, error) {
	rows, err := h.db.QueryContext(ctx, `
SELECT id, stage_id, event, state, detail, recorded_at
FROM stage_history
WHERE stage_id = ?
ORDER BY id ASC;
`, stageID)
	if err != nil {
		return nil, fmt.Errorf("list stage history: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			tr         Transition
			detail     sql.NullString
			recordedAt string
		)
		if err := rows.Scan(&tr.ID, &tr.StageID, &tr.Event, &tr.State, &detail, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan stage history: %w", err)
		}
		tr.Detail = detail.String
		if t, err := time.Parse(time.RFC3339Nano, recordedAt); err == nil {
			tr.RecordedAt = t
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}
