package taskstore

import (
	"database/sql"
	"time"

	"github.com/hochfrequenz/recon-orchestrator/internal/domain"
)

// SaveFindings stores findings, ignoring any whose dedup key is already
// present. It returns how many were new.
func (s *Store) SaveFindings(runID string, findings []domain.Finding) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, persistErr("begin", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO findings (dedup_key, run_id, rule_id, description, file, line, path, excerpt, severity, confidence, first_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dedup_key) DO NOTHING
	`)
	if err != nil {
		return 0, persistErr("prepare findings", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	inserted := 0
	for _, f := range findings {
		key := f.DedupKey
		if key == "" {
			key = domain.DedupKey(f.RuleID, f.File, f.Excerpt)
		}
		res, err := stmt.Exec(key, nullString(runID), f.RuleID, nullString(f.Description), f.File, f.Line,
			nullString(f.Path), f.Excerpt, int(f.Severity), int(f.Confidence), now)
		if err != nil {
			return 0, persistErr("insert finding", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, persistErr("commit", err)
	}
	return inserted, nil
}

// TopFindings returns up to n findings ranked by severity then confidence.
// n <= 0 returns all.
func (s *Store) TopFindings(n int) ([]domain.Finding, error) {
	if n <= 0 {
		n = -1
	}
	rows, err := s.db.Query(`
		SELECT dedup_key, rule_id, description, file, line, path, excerpt, severity, confidence, first_seen
		FROM findings
		ORDER BY severity DESC, confidence DESC, rule_id, file, line, dedup_key
		LIMIT ?
	`, n)
	if err != nil {
		return nil, persistErr("list findings", err)
	}
	defer rows.Close()

	var findings []domain.Finding
	for rows.Next() {
		var f domain.Finding
		var desc, path, excerpt sql.NullString
		var line sql.NullInt64
		var firstSeen sql.NullTime
		var severity, confidence int
		if err := rows.Scan(&f.DedupKey, &f.RuleID, &desc, &f.File, &line, &path, &excerpt, &severity, &confidence, &firstSeen); err != nil {
			return nil, persistErr("scan finding", err)
		}
		f.Description = desc.String
		f.Path = path.String
		f.Excerpt = excerpt.String
		f.Line = int(line.Int64)
		f.Severity = domain.Severity(severity)
		f.Confidence = domain.Confidence(confidence)
		f.FirstSeen = firstSeen.Time
		findings = append(findings, f)
	}
	return findings, persistErr("list findings", rows.Err())
}

// CountFindings returns the number of stored findings
func (s *Store) CountFindings() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM findings`).Scan(&n)
	return n, persistErr("count findings", err)
}
