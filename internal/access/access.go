// Package access resolves who may read, write, delete and manage a project.
//
// Every function here is pure: it only looks at the actor's verified claims
// and the project row. Organization memberships are fetched by the caller
// (see package identity); a failed lookup must be passed in as no
// memberships so the answer degrades to deny.
package access

import (
	"strings"

	"github.com/lalith-99/reviewsync/internal/models"
)

// Role is a role inside an organization.
type Role string

const (
	RoleMember Role = models.OrgRoleMember
	RoleAdmin  Role = models.OrgRoleAdmin
	RoleOwner  Role = models.OrgRoleOwner
)

// Elevated reports whether the role may delete and manage org projects.
func (r Role) Elevated() bool {
	return r == RoleAdmin || r == RoleOwner
}

// NormalizeRole maps unknown role strings to RoleMember.
func NormalizeRole(role string) Role {
	switch Role(role) {
	case RoleMember, RoleAdmin, RoleOwner:
		return Role(role)
	default:
		return RoleMember
	}
}

// Membership is one organization the actor belongs to.
type Membership struct {
	OrgID string `json:"orgId"`
	Role  Role   `json:"role"`
}

// Actor is the verified identity making a request. The zero Actor is
// anonymous.
type Actor struct {
	ID          string
	Email       string
	Name        string
	Avatar      string
	Memberships []Membership
}

// Anonymous reports whether the actor carries no identity.
func (a Actor) Anonymous() bool {
	return a.ID == ""
}

func (a Actor) membership(orgID string) (Membership, bool) {
	for _, m := range a.Memberships {
		if m.OrgID == orgID {
			return m, true
		}
	}
	return Membership{}, false
}

// Scope is the non-owner access model of a project. It is one of Personal or
// Organization, never both: once a project belongs to an organization its
// legacy team list is not reachable through the scope.
type Scope interface {
	scope()
}

// Personal projects share through the legacy team list.
type Personal struct {
	Team []models.TeamMember
}

// Organization projects share through organization membership only.
type Organization struct {
	OrgID string
}

func (Personal) scope()     {}
func (Organization) scope() {}

// ScopeOf derives the access scope of a project.
func ScopeOf(p *models.Project) Scope {
	if p.OrgID != "" {
		return Organization{OrgID: p.OrgID}
	}
	return Personal{Team: p.Team}
}

// IsOwner reports whether the actor created the project.
func IsOwner(a Actor, p *models.Project) bool {
	return !a.Anonymous() && a.ID == p.OwnerID
}

// CanAccess is the read/write check.
func CanAccess(a Actor, p *models.Project) bool {
	if a.Anonymous() {
		return false
	}
	if IsOwner(a, p) {
		return true
	}
	switch s := ScopeOf(p).(type) {
	case Organization:
		_, ok := a.membership(s.OrgID)
		return ok
	case Personal:
		for _, m := range s.Team {
			if m.ID == a.ID {
				return true
			}
			if a.Email != "" && m.Email != "" && strings.EqualFold(m.Email, a.Email) {
				return true
			}
		}
	}
	return false
}

// CanRead grants read-shaped operations. A project shared publicly for
// viewing is readable by anyone, including anonymous actors.
func CanRead(a Actor, p *models.Project) bool {
	if p.PublicAccess == models.PublicAccessView {
		return true
	}
	return CanAccess(a, p)
}

// CanDelete is stricter than CanAccess: ordinary org members and legacy
// team members may never delete. The owner always may.
func CanDelete(a Actor, p *models.Project) bool {
	if a.Anonymous() {
		return false
	}
	if IsOwner(a, p) {
		return true
	}
	if s, ok := ScopeOf(p).(Organization); ok {
		m, member := a.membership(s.OrgID)
		return member && m.Role.Elevated()
	}
	return false
}

// CanManage gates project-level settings: locking, public sharing and
// moving between organizations. It follows the delete rule.
func CanManage(a Actor, p *models.Project) bool {
	return CanDelete(a, p)
}

// CanEditComment allows the comment's author and the project owner only.
// Org admins get no say over other people's comments.
func CanEditComment(a Actor, p *models.Project, c *models.Comment) bool {
	if a.Anonymous() {
		return false
	}
	return c.UserID == a.ID || IsOwner(a, p)
}

// IsOrgMember reports whether the actor belongs to orgID in any role.
func IsOrgMember(a Actor, orgID string) bool {
	_, ok := a.membership(orgID)
	return ok
}

// CanAdministerOrg reports whether the actor holds an elevated role in orgID.
func CanAdministerOrg(a Actor, orgID string) bool {
	m, ok := a.membership(orgID)
	return ok && m.Role.Elevated()
}
