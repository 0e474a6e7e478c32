package database

import (
	"time"

	"github.com/google/uuid"
)

// AuditEntry is one recorded graph lifecycle event.
type AuditEntry struct {
	ID        string    `json:"id"`
	Topic     string    `json:"roleModelId"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"createdAt"`
}

// LogAudit records a graph lifecycle event such as a replace or a storage
// failover. Failures are swallowed: auditing never fails the operation.
func (db *DB) LogAudit(topic, action, details string) {
	if len(details) > 200 {
		details = details[:200]
	}
	id := uuid.New().String()
	now := time.Now().UTC()
	_, _ = db.Exec(
		"INSERT INTO audit_logs (id, topic, action, details, created_at) VALUES (?, ?, ?, ?, ?)",
		id, topic, action, details, now,
	)
	if db.OnAudit != nil {
		db.OnAudit(topic, action)
	}
}

// RecentAudit returns the newest entries first. An empty topic matches all.
func (db *DB) RecentAudit(topic string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT id, topic, action, details, created_at FROM audit_logs"
	args := []interface{}{}
	if topic != "" {
		query += " WHERE topic = ?"
		args = append(args, topic)
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Topic, &e.Action, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneAudit deletes entries recorded before cutoff and reports how many
// were removed.
func (db *DB) PruneAudit(cutoff time.Time) (int64, error) {
	res, err := db.Exec("DELETE FROM audit_logs WHERE created_at < ?", cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
