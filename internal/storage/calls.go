package storage

import (
	"encoding/json"
	"time"
)

// CallRecord is one row of the call history.
type CallRecord struct {
	ID           int64
	RoomID       string
	CallType     string
	Direction    string // "outgoing" | "incoming"
	Participants []string
	StartedAt    time.Time
	EndedAt      time.Time
	EndReason    string
}

// RecordCallStart inserts a call log row and returns its ID.
func (d *DB) RecordCallStart(roomID, callType, direction string, participants []string) (int64, error) {
	parts, _ := json.Marshal(participants)
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`
		INSERT INTO _call_log (room_id, call_type, direction, participants)
		VALUES (?, ?, ?, ?)`,
		roomID, callType, direction, string(parts))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecordCallEnd closes a call log row with its end reason.
func (d *DB) RecordCallEnd(logID int64, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		UPDATE _call_log SET ended_at = CURRENT_TIMESTAMP, end_reason = ?
		WHERE id = ?`, reason, logID)
	return err
}

// ListCallLog returns the most recent calls, newest first.
func (d *DB) ListCallLog(limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT id, room_id, call_type, direction, participants,
		       started_at, COALESCE(ended_at, ''), end_reason
		FROM _call_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var r CallRecord
		var parts, started, ended string
		if err := rows.Scan(&r.ID, &r.RoomID, &r.CallType, &r.Direction, &parts, &started, &ended, &r.EndReason); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(parts), &r.Participants)
		r.StartedAt, _ = time.Parse("2006-01-02 15:04:05", started)
		if ended != "" {
			r.EndedAt, _ = time.Parse("2006-01-02 15:04:05", ended)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
