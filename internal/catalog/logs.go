package catalog

import (
	"database/sql"
	"strings"
	"time"
)

// AppendLog inserts one request log entry.
func (s *Store) AppendLog(e *LogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return s.withRetry(func() error {
		res, err := s.db.Exec(
			`INSERT INTO request_logs (api_key_id, user_id, endpoint, method, request, response, status, duration_ms, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			nullable(e.APIKeyID), nullable(e.UserID), e.Endpoint, e.Method,
			e.Request, e.Response, e.Status, e.DurationMS, e.CreatedAt,
		)
		if err != nil {
			return err
		}
		e.ID, _ = res.LastInsertId()
		return nil
	})
}

// QueryLogs returns a page of log entries, newest first, plus the total count
// matching the filter.
func (s *Store) QueryLogs(f LogFilter, limit, offset int) ([]*LogEntry, int64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	where, args := buildLogFilter(f)

	var total int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM request_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT id, api_key_id, user_id, endpoint, method, request, response, status, duration_ms, created_at
		FROM request_logs` + where + ` ORDER BY id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.Query(query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		var e LogEntry
		var keyID, userID sql.NullString
		if err := rows.Scan(&e.ID, &keyID, &userID, &e.Endpoint, &e.Method,
			&e.Request, &e.Response, &e.Status, &e.DurationMS, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		e.APIKeyID = keyID.String
		e.UserID = userID.String
		entries = append(entries, &e)
	}
	return entries, total, rows.Err()
}

func buildLogFilter(f LogFilter) (string, []any) {
	var conds []string
	var args []any
	if f.Endpoint != "" {
		conds = append(conds, "endpoint = ?")
		args = append(args, f.Endpoint)
	}
	if f.APIKeyID != "" {
		conds = append(conds, "api_key_id = ?")
		args = append(args, f.APIKeyID)
	}
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Status != 0 {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, f.Until.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// PurgeLogsOlderThan deletes entries older than the given number of days and
// returns how many were removed.
func (s *Store) PurgeLogsOlderThan(days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	var removed int64
	err := s.withRetry(func() error {
		res, err := s.db.Exec(`DELETE FROM request_logs WHERE created_at < ?`, cutoff)
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}

// LogStatsSince summarizes entries newer than the cutoff.
func (s *Store) LogStatsSince(since time.Time) (*LogStats, error) {
	var stats LogStats
	var avg sql.NullFloat64
	err := s.db.QueryRow(
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status >= 400 THEN 1 ELSE 0 END), 0),
			AVG(duration_ms)
		 FROM request_logs WHERE created_at >= ?`, since.UTC(),
	).Scan(&stats.Total, &stats.Errors, &avg)
	if err != nil {
		return nil, err
	}
	stats.AvgDurationMS = avg.Float64
	return &stats, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
