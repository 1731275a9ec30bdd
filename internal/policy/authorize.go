package policy

import (
	"fmt"
	"strings"
)

type Role string

const (
	RoleAdmin      Role = "ADMIN"
	RoleTeamLeader Role = "TEAM_LEADER"
	RoleMember     Role = "MEMBER"
)

// ParseRole accepts the role names used by the auth gateway. An empty value is a plain member.
func ParseRole(raw string) (Role, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "ADMIN":
		return RoleAdmin, nil
	case "TEAM_LEADER", "TEAMLEADER", "LEADER":
		return RoleTeamLeader, nil
	case "", "MEMBER", "USER":
		return RoleMember, nil
	default:
		return "", fmt.Errorf("unknown role %q", raw)
	}
}

type Operation string

const (
	OpView    Operation = "view"
	OpEdit    Operation = "edit"
	OpStatus  Operation = "status"
	OpAssign  Operation = "assign"
	OpComment Operation = "comment"
	OpDelete  Operation = "delete"
)

// Subject is the acting identity. Teams holds the ids of teams with an active membership.
type Subject struct {
	UserID string
	Role   Role
	Teams  []string
}

func (s Subject) memberOf(teamID string) bool {
	if teamID == "" {
		return false
	}
	for _, t := range s.Teams {
		if t == teamID {
			return true
		}
	}
	return false
}

// Resource is the slice of a task the resolver needs.
type Resource struct {
	ID         string
	CreatorID  string
	AssigneeID string
	Team       bool
	TeamID     string
}

type Decision struct {
	Allowed bool
	Rule    string
	Reason  string
}

var (
	creatorOps  = opSet(OpView, OpEdit, OpStatus, OpAssign, OpComment, OpDelete)
	assigneeOps = opSet(OpView, OpStatus, OpComment)
	memberOps   = opSet(OpView, OpStatus, OpComment)
	leaderOps   = opSet(OpAssign, OpDelete)
)

func opSet(ops ...Operation) map[Operation]bool {
	out := make(map[Operation]bool, len(ops))
	for _, op := range ops {
		out[op] = true
	}
	return out
}

// Decide applies the rules in order: admin, creator, assignee, team member, team leader.
func Decide(sub Subject, res Resource, op Operation) Decision {
	if strings.TrimSpace(sub.UserID) == "" {
		return Decision{Reason: "anonymous actor"}
	}
	if sub.Role == RoleAdmin {
		return Decision{Allowed: true, Rule: "admin"}
	}
	if res.CreatorID == sub.UserID && creatorOps[op] {
		return Decision{Allowed: true, Rule: "creator"}
	}
	if res.AssigneeID != "" && res.AssigneeID == sub.UserID && assigneeOps[op] {
		return Decision{Allowed: true, Rule: "assignee"}
	}
	member := res.Team && sub.memberOf(res.TeamID)
	if member && memberOps[op] {
		return Decision{Allowed: true, Rule: "team_member"}
	}
	if member && sub.Role == RoleTeamLeader && leaderOps[op] {
		return Decision{Allowed: true, Rule: "team_leader"}
	}
	return Decision{Reason: fmt.Sprintf("%s not permitted on task %s", op, res.ID)}
}

func CanOperate(sub Subject, res Resource, op Operation) bool {
	return Decide(sub, res, op).Allowed
}

type Partition struct {
	Allowed []Resource
	Denied  []Resource
}

// CanOperateAll splits resources by decision, preserving input order in both halves.
func CanOperateAll(sub Subject, resources []Resource, op Operation) Partition {
	var out Partition
	for _, res := range resources {
		if CanOperate(sub, res, op) {
			out.Allowed = append(out.Allowed, res)
			continue
		}
		out.Denied = append(out.Denied, res)
	}
	return out
}

// CanBulk is the capability gate for batch operations. Assign and delete need an
// ADMIN or TEAM_LEADER role outright; per-task checks still apply afterwards.
func CanBulk(sub Subject, op Operation) Decision {
	if strings.TrimSpace(sub.UserID) == "" {
		return Decision{Reason: "anonymous actor"}
	}
	switch op {
	case OpAssign, OpDelete:
		if sub.Role == RoleAdmin || sub.Role == RoleTeamLeader {
			return Decision{Allowed: true, Rule: "bulk_" + strings.ToLower(string(sub.Role))}
		}
		return Decision{Reason: fmt.Sprintf("bulk %s requires ADMIN or TEAM_LEADER role", op)}
	default:
		return Decision{Allowed: true, Rule: "bulk_any"}
	}
}
