package auth

import (
	"fmt"
	"sort"
	"strings"
)

const (
	RoleAdmin  = "admin"
	RoleClient = "client"
	RoleExpert = "expert"
)

const (
	PermBriefCreate       = "brief.create"
	PermBriefRead         = "brief.read"
	PermBriefArchive      = "brief.archive"
	PermShortlistCompute  = "shortlist.compute"
	PermInvitationSend    = "invitation.send"
	PermInvitationRead    = "invitation.read"
	PermInvitationRespond = "invitation.respond"
	PermInvitationSweep   = "invitation.sweep"
	PermProjectCreate     = "project.create"
	PermWeightsRead       = "weights.read"
	PermWeightsWrite      = "weights.write"
	PermCandidateRead     = "candidate.read"
	PermCandidateWrite    = "candidate.write"
	PermEventsRead        = "events.read"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// NotOwnerError is returned when an actor touches a resource that belongs to someone else.
type NotOwnerError struct {
	Kind string
	ID   string
}

func (e NotOwnerError) Error() string {
	return fmt.Sprintf("%s %s belongs to another actor", e.Kind, e.ID)
}

// Policy maps roles to the permissions they grant.
type Policy map[string][]string

// DefaultPolicy: admins run the marketplace, clients own briefs, experts answer invitations.
func DefaultPolicy() Policy {
	return Policy{
		RoleAdmin: {
			PermBriefCreate, PermBriefRead, PermBriefArchive, PermShortlistCompute,
			PermInvitationSend, PermInvitationRead, PermInvitationRespond, PermInvitationSweep,
			PermProjectCreate, PermWeightsRead, PermWeightsWrite,
			PermCandidateRead, PermCandidateWrite, PermEventsRead,
		},
		RoleClient: {
			PermBriefCreate, PermBriefRead, PermBriefArchive, PermShortlistCompute,
			PermInvitationSend, PermInvitationRead, PermProjectCreate,
		},
		RoleExpert: {
			PermInvitationRead, PermInvitationRespond,
		},
	}
}

// KnownRole reports whether the default policy defines role.
func KnownRole(role string) bool {
	_, ok := DefaultPolicy()[strings.TrimSpace(role)]
	return ok
}

// Permissions returns the sorted union of permissions granted to roles.
func (p Policy) Permissions(roles []string) []string {
	set := map[string]struct{}{}
	for _, r := range roles {
		for _, perm := range p[strings.TrimSpace(r)] {
			set[perm] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for perm := range set {
		out = append(out, perm)
	}
	sort.Strings(out)
	return out
}

func (p Policy) Allows(roles []string, perm string) bool {
	for _, r := range roles {
		for _, granted := range p[strings.TrimSpace(r)] {
			if granted == perm {
				return true
			}
		}
	}
	return false
}

// Require returns a ForbiddenError unless one of roles grants perm.
func (p Policy) Require(roles []string, perm string) error {
	if p.Allows(roles, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}

// RequireOwner lets admins through and otherwise demands actorID == ownerID.
func RequireOwner(actorID string, roles []string, kind, id, ownerID string) error {
	if IsAdmin(roles) || (actorID != "" && actorID == ownerID) {
		return nil
	}
	return NotOwnerError{Kind: kind, ID: id}
}

func IsAdmin(roles []string) bool {
	for _, r := range roles {
		if strings.TrimSpace(r) == RoleAdmin {
			return true
		}
	}
	return false
}
