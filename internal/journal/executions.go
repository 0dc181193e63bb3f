package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adap-ai/adap/pkg/types"
)

// RecordExecution inserts one execution row.
func (s *Store) RecordExecution(ctx context.Context, rec types.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.conn()
	if err != nil {
		return err
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO executions (module, function, args, kwargs, result, duration, status, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Module, rec.Function, rec.Args, rec.Kwargs, rec.Result,
		int64(rec.Duration), string(rec.Status), rec.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// RecentExecutions returns the latest executions, newest first.
func (s *Store) RecentExecutions(ctx context.Context, limit int) ([]types.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, module, function, args, kwargs, result, duration, status, timestamp
		FROM executions ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var out []types.ExecutionRecord
	for rows.Next() {
		var (
			rec            types.ExecutionRecord
			args, kwargs   sql.NullString
			result, status sql.NullString
			duration, ts   int64
		)
		if err := rows.Scan(&rec.ID, &rec.Module, &rec.Function, &args, &kwargs, &result, &duration, &status, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		rec.Args = args.String
		rec.Kwargs = kwargs.String
		rec.Result = result.String
		rec.Status = types.ExecutionStatus(status.String)
		rec.Duration = time.Duration(duration)
		rec.Timestamp = time.Unix(0, ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Summarize aggregates executions newer than window and stores the result
// as a feedback row. It returns nil when the window holds no executions.
func (s *Store) Summarize(ctx context.Context, window time.Duration) (*types.FeedbackSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	since := now.Add(-window).UnixNano()

	var (
		total    int
		avg      sql.NullFloat64
		failures sql.NullInt64
	)
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(duration), SUM(CASE WHEN status = ? THEN 1 ELSE 0 END)
		FROM executions WHERE timestamp >= ?
	`, string(types.ExecutionError), since).Scan(&total, &avg, &failures)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize executions: %w", err)
	}
	if total == 0 {
		return nil, nil
	}

	summary := &types.FeedbackSummary{
		TotalCalls:  total,
		AvgExecTime: time.Duration(avg.Float64),
		ErrorRate:   float64(failures.Int64) / float64(total),
		Window:      window,
		CreatedAt:   now,
	}

	data, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal summary: %w", err)
	}

	res, err := db.ExecContext(ctx,
		"INSERT INTO feedback (summary, created_at) VALUES (?, ?)",
		string(data), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to insert feedback: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		summary.ID = id
	}
	return summary, nil
}

// RecentFeedback returns the latest feedback summaries, newest first.
func (s *Store) RecentFeedback(ctx context.Context, limit int) ([]types.FeedbackSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		"SELECT id, summary FROM feedback ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer rows.Close()

	out := []types.FeedbackSummary{}
	for rows.Next() {
		var (
			id   int64
			data string
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		var fs types.FeedbackSummary
		if err := json.Unmarshal([]byte(data), &fs); err != nil {
			return nil, fmt.Errorf("failed to parse feedback %d: %w", id, err)
		}
		fs.ID = id
		out = append(out, fs)
	}
	return out, rows.Err()
}
