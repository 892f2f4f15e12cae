// Package events appends run milestones to the ledger's events table.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Payload map[string]any

// Writer inserts events outside of any caller transaction.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, evtType, runID string, payload Payload) (int64, error) {
	return w.insert(ctx, w.DB, evtType, runID, payload)
}

// AppendTx is Append within tx.
func (w Writer) AppendTx(ctx context.Context, tx *sql.Tx, evtType, runID string, payload Payload) (int64, error) {
	return w.insert(ctx, tx, evtType, runID, payload)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (w Writer) insert(ctx context.Context, ex execer, evtType, runID string, payload Payload) (int64, error) {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := ex.ExecContext(ctx, `INSERT INTO events(ts,type,run_id,payload_json) VALUES (?,?,?,?)`,
		ts, evtType, nullable(runID), string(data))
	if err != nil {
		return 0, fmt.Errorf("insert %s event: %w", evtType, err)
	}
	return res.LastInsertId()
}

// RunRecorder binds a Writer to one run so it can observe an orchestrator.
type RunRecorder struct {
	Writer Writer
	RunID  string
}

func (r RunRecorder) Record(ctx context.Context, typ string, payload map[string]any) error {
	_, err := r.Writer.Append(ctx, typ, r.RunID, Payload(payload))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
