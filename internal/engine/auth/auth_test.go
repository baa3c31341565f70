package auth

import (
	"errors"
	"testing"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if !p.Allows([]string{RoleClient}, PermShortlistCompute) {
		t.Fatalf("clients compute shortlists")
	}
	if p.Allows([]string{RoleExpert}, PermWeightsWrite) {
		t.Fatalf("experts must not change weights")
	}
	var fe ForbiddenError
	if err := p.Require([]string{RoleClient}, PermInvitationSweep); !errors.As(err, &fe) || fe.Permission != PermInvitationSweep {
		t.Fatalf("expected forbidden, got %v", err)
	}
	perms := p.Permissions([]string{RoleExpert, RoleExpert})
	if len(perms) != 2 || perms[0] != PermInvitationRead {
		t.Fatalf("unexpected permissions %v", perms)
	}
	if KnownRole("owner") || !KnownRole(RoleAdmin) {
		t.Fatalf("role lookup")
	}
}

func TestRequireOwner(t *testing.T) {
	if err := RequireOwner("c1", []string{RoleClient}, "brief", "b1", "c1"); err != nil {
		t.Fatalf("owner rejected: %v", err)
	}
	if err := RequireOwner("c2", []string{RoleClient}, "brief", "b1", "c1"); err == nil {
		t.Fatalf("stranger accepted")
	}
	if err := RequireOwner("ops", []string{RoleAdmin}, "brief", "b1", "c1"); err != nil {
		t.Fatalf("admin rejected: %v", err)
	}
	if err := RequireOwner("", nil, "brief", "b1", ""); err == nil {
		t.Fatalf("empty actor must not own unowned resources")
	}
}
