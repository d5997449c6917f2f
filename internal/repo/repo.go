package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"reportlens/internal/domain"
)

// Team membership roles.
const (
	MemberRole = "member"
	AdminRole  = "admin"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) InsertTeam(ctx context.Context, t domain.Team) error {
	return insertTeam(ctx, r.DB, t)
}

func (r Repo) InsertTeamTx(ctx context.Context, tx *sql.Tx, t domain.Team) error {
	return insertTeam(ctx, tx, t)
}

func insertTeam(ctx context.Context, db execer, t domain.Team) error {
	_, err := db.ExecContext(ctx, `INSERT INTO teams(id,name,created_at) VALUES (?,?,?)`, t.ID, t.Name, t.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (r Repo) GetTeam(ctx context.Context, id string) (domain.Team, error) {
	return getTeam(ctx, r.DB, id)
}

func getTeam(ctx context.Context, db execer, id string) (domain.Team, error) {
	var t domain.Team
	err := db.QueryRowContext(ctx, `SELECT id,name,created_at FROM teams WHERE id=?`, id).Scan(&t.ID, &t.Name, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

// ListTeams returns every team, or only the teams userID belongs to when set.
func (r Repo) ListTeams(ctx context.Context, userID string) ([]domain.Team, error) {
	query := `SELECT id,name,created_at FROM teams ORDER BY name, id`
	var args []any
	if userID != "" {
		query = `SELECT t.id,t.name,t.created_at FROM teams t JOIN team_members m ON m.team_id=t.id WHERE m.user_id=? ORDER BY t.name, t.id`
		args = append(args, userID)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Team{}
	for rows.Next() {
		var t domain.Team
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// AddMember inserts or updates the membership of userID in teamID.
func (r Repo) AddMember(ctx context.Context, m domain.TeamMember) error {
	return addMember(ctx, r.DB, m)
}

func (r Repo) AddMemberTx(ctx context.Context, tx *sql.Tx, m domain.TeamMember) error {
	return addMember(ctx, tx, m)
}

func addMember(ctx context.Context, db execer, m domain.TeamMember) error {
	if m.Role == "" {
		m.Role = MemberRole
	}
	if m.Role != MemberRole && m.Role != AdminRole {
		return fmt.Errorf("invalid member role %q", m.Role)
	}
	if _, err := getTeam(ctx, db, m.TeamID); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `INSERT INTO team_members(team_id,user_id,role,created_at) VALUES (?,?,?,?)
ON CONFLICT(team_id,user_id) DO UPDATE SET role=excluded.role`, m.TeamID, m.UserID, m.Role, m.CreatedAt)
	return err
}

func (r Repo) RemoveMember(ctx context.Context, teamID, userID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM team_members WHERE team_id=? AND user_id=?`, teamID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListMembers(ctx context.Context, teamID string) ([]domain.TeamMember, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT team_id,user_id,role,created_at FROM team_members WHERE team_id=? ORDER BY user_id`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.TeamMember{}
	for rows.Next() {
		var m domain.TeamMember
		if err := rows.Scan(&m.TeamID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// TeamIDsForUser returns the ids of the teams userID belongs to, sorted.
func (r Repo) TeamIDsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT team_id FROM team_members WHERE user_id=? ORDER BY team_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsMember reports whether userID belongs to teamID.
func (r Repo) IsMember(ctx context.Context, teamID, userID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM team_members WHERE team_id=? AND user_id=?`, teamID, userID).Scan(&n)
	return n > 0, err
}

// EventFilter narrows LatestEvents.
type EventFilter struct {
	Type     string
	ReportID string
	ActorID  string
	// Before is an exclusive id cursor; 0 starts from the newest event.
	Before int64
	Limit  int
}

func (r Repo) LatestEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.ReportID != "" {
		clauses = append(clauses, "report_id=?")
		args = append(args, f.ReportID)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(report_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, f.Limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with ids greater than cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,COALESCE(report_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var (
			e       domain.Event
			payload string
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ReportID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("event %d payload: %w", e.ID, err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "PRIMARY KEY"))
}
