// Package teams resolves the team memberships that scope every analytics
// query and administers teams and their members.
package teams

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"reportlens/internal/apperr"
	"reportlens/internal/domain"
	"reportlens/internal/events"
	"reportlens/internal/repo"
)

// Store is the membership lookup the resolver depends on.
type Store interface {
	TeamIDsForUser(ctx context.Context, userID string) ([]string, error)
}

// Resolver maps a subject to its team ids. Results are never cached beyond
// the call: membership changes apply to the next request.
type Resolver struct {
	Store Store
	Log   logrus.FieldLogger
}

// TeamIDs returns the subject's teams. An empty list is valid. A store failure
// fails closed with DependencyUnavailable.
func (r Resolver) TeamIDs(ctx context.Context, subject string) ([]string, error) {
	ids, err := r.Store.TeamIDsForUser(ctx, subject)
	if err != nil {
		if r.Log != nil {
			r.Log.WithError(err).WithField("subject", subject).Error("team lookup failed")
		}
		return nil, apperr.Wrap(apperr.DependencyUnavailable, apperr.SourceMembershipStore, err, "team membership unavailable")
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

var teamIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// Service administers teams and memberships.
type Service struct {
	Repo   repo.Repo
	Events events.Writer
	Log    logrus.FieldLogger
	Now    func() time.Time
}

func (s Service) now() string {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return now().UTC().Format(time.RFC3339)
}

// CreateTeam creates a team and makes actorID its first admin. An empty id is
// derived from name.
func (s Service) CreateTeam(ctx context.Context, actorID, id, name string) (domain.Team, error) {
	name = strings.TrimSpace(name)
	id = strings.TrimSpace(id)
	if id == "" {
		id = slug(name)
	}
	var violations []apperr.Violation
	if name == "" {
		violations = append(violations, apperr.Violation{Field: "name", Message: "is required"})
	}
	if !teamIDPattern.MatchString(id) {
		violations = append(violations, apperr.Violation{Field: "id", Message: "must be lowercase letters, digits, '-' or '_'"})
	}
	if len(violations) > 0 {
		return domain.Team{}, apperr.Validation("invalid team", violations)
	}

	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Team{}, storeError(err)
	}
	defer tx.Rollback()

	team := domain.Team{ID: id, Name: name, CreatedAt: s.now()}
	if err := s.Repo.InsertTeamTx(ctx, tx, team); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Team{}, apperr.Validation("invalid team", []apperr.Violation{{Field: "id", Message: "team already exists"}})
		}
		return domain.Team{}, storeError(err)
	}
	if err := s.Repo.AddMemberTx(ctx, tx, domain.TeamMember{TeamID: id, UserID: actorID, Role: repo.AdminRole, CreatedAt: team.CreatedAt}); err != nil {
		return domain.Team{}, storeError(err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Team{}, storeError(err)
	}
	s.audit(ctx, events.TeamCreated, actorID, events.EventPayload{"team_id": id, "name": name})
	return team, nil
}

// AddMember adds userID to teamID. Callers must already have passed the role
// gate for team administration.
func (s Service) AddMember(ctx context.Context, actorID, teamID, userID, role string) (domain.TeamMember, error) {
	userID = strings.TrimSpace(userID)
	if role == "" {
		role = repo.MemberRole
	}
	var violations []apperr.Violation
	if userID == "" {
		violations = append(violations, apperr.Violation{Field: "user_id", Message: "is required"})
	}
	if role != repo.MemberRole && role != repo.AdminRole {
		violations = append(violations, apperr.Violation{Field: "role", Message: "must be member or admin"})
	}
	if len(violations) > 0 {
		return domain.TeamMember{}, apperr.Validation("invalid member", violations)
	}
	m := domain.TeamMember{TeamID: teamID, UserID: userID, Role: role, CreatedAt: s.now()}
	if err := s.Repo.AddMember(ctx, m); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.TeamMember{}, apperr.New(apperr.NotFound, apperr.SourceRequest, "team not found")
		}
		return domain.TeamMember{}, storeError(err)
	}
	s.audit(ctx, events.MemberAdded, actorID, events.EventPayload{"team_id": teamID, "user_id": userID, "role": role})
	return m, nil
}

// RemoveMember drops userID from teamID. The change applies to the caller's
// next request.
func (s Service) RemoveMember(ctx context.Context, actorID, teamID, userID string) error {
	err := s.Repo.RemoveMember(ctx, teamID, strings.TrimSpace(userID))
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.New(apperr.NotFound, apperr.SourceRequest, "member not found")
	}
	if err != nil {
		return storeError(err)
	}
	s.audit(ctx, events.MemberRemoved, actorID, events.EventPayload{"team_id": teamID, "user_id": userID})
	return nil
}

// ListTeams returns the caller's teams, or every team when all is set.
func (s Service) ListTeams(ctx context.Context, subject string, all bool) ([]domain.Team, error) {
	if all {
		subject = ""
	}
	teams, err := s.Repo.ListTeams(ctx, subject)
	if err != nil {
		return nil, storeError(err)
	}
	return teams, nil
}

// TeamDetail is a team with its members.
type TeamDetail struct {
	domain.Team
	Members []domain.TeamMember `json:"members"`
}

// GetTeam returns a team the subject belongs to. Non-members get NotFound
// unless privileged is set, so team ids do not leak across teams.
func (s Service) GetTeam(ctx context.Context, subject, teamID string, privileged bool) (TeamDetail, error) {
	if !privileged {
		ok, err := s.Repo.IsMember(ctx, teamID, subject)
		if err != nil {
			return TeamDetail{}, storeError(err)
		}
		if !ok {
			return TeamDetail{}, apperr.New(apperr.NotFound, apperr.SourceRequest, "team not found")
		}
	}
	team, err := s.Repo.GetTeam(ctx, teamID)
	if errors.Is(err, repo.ErrNotFound) {
		return TeamDetail{}, apperr.New(apperr.NotFound, apperr.SourceRequest, "team not found")
	}
	if err != nil {
		return TeamDetail{}, storeError(err)
	}
	members, err := s.Repo.ListMembers(ctx, teamID)
	if err != nil {
		return TeamDetail{}, storeError(err)
	}
	return TeamDetail{Team: team, Members: members}, nil
}

func (s Service) audit(ctx context.Context, evtType, actorID string, payload events.EventPayload) {
	if s.Events.DB == nil {
		return
	}
	if err := s.Events.Append(ctx, evtType, "", actorID, payload); err != nil && s.Log != nil {
		s.Log.WithError(err).WithField("type", evtType).Warn("audit event not recorded")
	}
}

func storeError(err error) error {
	return apperr.Wrap(apperr.DependencyUnavailable, apperr.SourceMembershipStore, err, "membership store")
}

func slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if out == "" {
		return "team-" + uuid.NewString()[:8]
	}
	if len(out) > 63 {
		out = strings.TrimRight(out[:63], "-")
	}
	return out
}
