package models

import (
	"time"

	"github.com/google/uuid"
)

// User is a person known to the identity provider.
//
// The project core never reads PasswordHash. It only sees the identity claims
// (id, email, display name) carried by the bearer token.
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	Avatar       string    `json:"avatar"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Organization is the authoritative membership boundary for the projects
// that carry its id. When a project has an orgId, org membership is the only
// way a non-owner gets in.
type Organization struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Org roles. Admin and owner are the elevated roles that may delete
// projects inside the organization.
const (
	OrgRoleMember = "member"
	OrgRoleAdmin  = "admin"
	OrgRoleOwner  = "owner"
)

// OrgMember is one row of the org_members join table.
type OrgMember struct {
	OrgID     uuid.UUID `json:"org_id"`
	UserID    uuid.UUID `json:"user_id"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// StorageRef points at a stored blob. The core never touches the blob itself;
// it only hands these references to the external cleanup step.
type StorageRef struct {
	StorageType string `json:"storageType"`
	URL         string `json:"url,omitempty"`
	StorageKey  string `json:"storageKey,omitempty"`
}

// CleanupItem is one pending entry of the storage cleanup outbox.
//
// ID is a bigserial so consumers can page with an "after" cursor.
type CleanupItem struct {
	ID        int64      `json:"id"`
	ProjectID string     `json:"projectId"`
	Ref       StorageRef `json:"ref"`
	CreatedAt time.Time  `json:"createdAt"`
}
