package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"reportlens/internal/apperr"
	"reportlens/internal/auth"
	"reportlens/internal/domain"
	"reportlens/internal/repo"
	"reportlens/internal/teams"
)

func (s *server) registerTeams(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-teams",
		Method:      http.MethodGet,
		Path:        "/teams",
		Summary:     "List the caller's teams",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		All bool `query:"all" doc:"List every team; owner only"`
	}) (*struct {
		Body TeamList `json:"body"`
	}, error) {
		required := []auth.Role{}
		if input.All {
			required = auth.AtLeast(auth.RoleOwner)
		}
		p, authErr := s.requireRoles(ctx, required...)
		if authErr != nil {
			return nil, authErr
		}
		items, err := s.cfg.Teams.ListTeams(ctx, p.Subject, input.All)
		if err != nil {
			return nil, s.fail(err)
		}
		return &struct {
			Body TeamList `json:"body"`
		}{Body: TeamList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-team",
		Method:        http.MethodPost,
		Path:          "/teams",
		Summary:       "Create a team",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateTeamRequest
	}) (*struct {
		Body domain.Team `json:"body"`
	}, error) {
		p, authErr := s.requireRoles(ctx, auth.AtLeast(auth.RoleOwner)...)
		if authErr != nil {
			return nil, authErr
		}
		team, err := s.cfg.Teams.CreateTeam(ctx, p.Subject, input.Body.ID, input.Body.Name)
		if err != nil {
			return nil, s.fail(err)
		}
		return &struct {
			Body domain.Team `json:"body"`
		}{Body: team}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-team",
		Method:      http.MethodGet,
		Path:        "/teams/{id}",
		Summary:     "Get a team and its members",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body teams.TeamDetail `json:"body"`
	}, error) {
		p, authErr := s.requireRoles(ctx)
		if authErr != nil {
			return nil, authErr
		}
		detail, err := s.cfg.Teams.GetTeam(ctx, p.Subject, input.ID, p.Roles.Has(auth.RoleOwner))
		if err != nil {
			return nil, s.fail(err)
		}
		return &struct {
			Body teams.TeamDetail `json:"body"`
		}{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-team-member",
		Method:        http.MethodPost,
		Path:          "/teams/{id}/members",
		Summary:       "Add or update a team member",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body AddMemberRequest
	}) (*struct {
		Body domain.TeamMember `json:"body"`
	}, error) {
		p, authErr := s.requireRoles(ctx, auth.AtLeast(auth.RoleOwner)...)
		if authErr != nil {
			return nil, authErr
		}
		member, err := s.cfg.Teams.AddMember(ctx, p.Subject, input.ID, input.Body.UserID, input.Body.Role)
		if err != nil {
			return nil, s.fail(err)
		}
		return &struct {
			Body domain.TeamMember `json:"body"`
		}{Body: member}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-team-member",
		Method:        http.MethodDelete,
		Path:          "/teams/{id}/members/{userId}",
		Summary:       "Remove a team member",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		UserID string `path:"userId"`
	}) (*struct{}, error) {
		p, authErr := s.requireRoles(ctx, auth.AtLeast(auth.RoleOwner)...)
		if authErr != nil {
			return nil, authErr
		}
		if err := s.cfg.Teams.RemoveMember(ctx, p.Subject, input.ID, input.UserID); err != nil {
			return nil, s.fail(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		p, authErr := s.requireRoles(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := s.cfg.Teams.ListTeams(ctx, p.Subject, false)
		if err != nil {
			return nil, s.fail(err)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{
			Subject:  p.Subject,
			Username: p.Username,
			Email:    p.Email,
			Roles:    p.Roles.List(),
			Role:     p.Roles.Highest(),
			Teams:    nonNilSlice(items),
		}}, nil
	})
}

func (s *server) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type     string `query:"type"`
		ReportID string `query:"report_id"`
		ActorID  string `query:"actor_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := s.requireRoles(ctx, auth.AtLeast(auth.RoleOwner)...); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "", apperr.SourceRequest, "invalid cursor", []any{apperr.Violation{Field: "cursor", Message: "must be a positive integer"}})
			}
			cursorID = parsed
		}
		items, err := s.cfg.Events.LatestEvents(ctx, repo.EventFilter{
			Type:     input.Type,
			ReportID: input.ReportID,
			ActorID:  input.ActorID,
			Before:   cursorID,
			Limit:    limit + 1,
		})
		if err != nil {
			return nil, s.fail(apperr.Wrap(apperr.DependencyUnavailable, apperr.SourceMembershipStore, err, "event log unavailable"))
		}
		resp := paginatedEvents{Items: items}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			resp.Items = items[:limit]
		}
		resp.Items = nonNilSlice(resp.Items)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
