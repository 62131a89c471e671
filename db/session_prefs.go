package db

import (
	"database/sql"
	"time"

	"github.com/xiaoyuanzhu-com/agent-hub/agent"
)

// SessionPrefs persists per-session permission-mode choices so resumes
// pick up where the user left off.
type SessionPrefs struct {
	db *sql.DB
}

// NewSessionPrefs wraps an open database in a preference store.
func NewSessionPrefs(conn *sql.DB) *SessionPrefs {
	return &SessionPrefs{db: conn}
}

// PermissionMode returns the stored mode for a session, if any. Stored
// values that are no longer valid modes are treated as absent.
func (p *SessionPrefs) PermissionMode(sessionID string) (agent.PermissionMode, bool, error) {
	var raw string
	err := p.db.QueryRow(
		`SELECT permission_mode FROM session_prefs WHERE session_id = ?`,
		sessionID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	mode := agent.PermissionMode(raw)
	if !agent.ValidPermissionMode(mode) {
		return "", false, nil
	}
	return mode, true, nil
}

// SavePermissionMode upserts the mode for a session.
func (p *SessionPrefs) SavePermissionMode(sessionID string, mode agent.PermissionMode) error {
	_, err := p.db.Exec(
		`INSERT INTO session_prefs (session_id, permission_mode, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   permission_mode = excluded.permission_mode,
		   updated_at = excluded.updated_at`,
		sessionID, string(mode), time.Now().UTC().Format(time.RFC3339),
	)
	return err
}
