package server

import (
	"reportlens/internal/auth"
	"reportlens/internal/domain"
)

type CreateTeamRequest struct {
	ID   string `json:"id,omitempty" doc:"Team id; derived from name when empty" example:"checkout"`
	Name string `json:"name" minLength:"1" maxLength:"200" example:"Checkout"`
}

type AddMemberRequest struct {
	UserID string `json:"user_id" minLength:"1" doc:"Identity provider subject"`
	Role   string `json:"role,omitempty" enum:"member,admin" default:"member"`
}

type TeamList struct {
	Items []domain.Team `json:"items"`
}

type MeResponse struct {
	Subject  string        `json:"subject"`
	Username string        `json:"username,omitempty"`
	Email    string        `json:"email,omitempty"`
	Roles    []string      `json:"roles"`
	Role     auth.Role     `json:"role,omitempty" doc:"Highest role held"`
	Teams    []domain.Team `json:"teams"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
