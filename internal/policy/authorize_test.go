package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func teamTask(id, creator, assignee, team string) Resource {
	return Resource{ID: id, CreatorID: creator, AssigneeID: assignee, Team: true, TeamID: team}
}

func TestDecideAdminAlwaysAllowed(t *testing.T) {
	admin := Subject{UserID: "root", Role: RoleAdmin}
	res := Resource{ID: "t1", CreatorID: "someone-else"}
	for _, op := range []Operation{OpView, OpEdit, OpStatus, OpAssign, OpComment, OpDelete} {
		d := Decide(admin, res, op)
		require.True(t, d.Allowed, "op %s", op)
		assert.Equal(t, "admin", d.Rule)
	}
}

func TestDecideCreator(t *testing.T) {
	sub := Subject{UserID: "u1", Role: RoleMember}
	res := Resource{ID: "t1", CreatorID: "u1"}
	assert.True(t, CanOperate(sub, res, OpEdit))
	assert.True(t, CanOperate(sub, res, OpStatus))
	assert.True(t, CanOperate(sub, res, OpDelete))
}

func TestDecideAssigneeStatusButNotDelete(t *testing.T) {
	sub := Subject{UserID: "u2", Role: RoleMember}
	res := Resource{ID: "t1", CreatorID: "u1", AssigneeID: "u2"}

	status := Decide(sub, res, OpStatus)
	require.True(t, status.Allowed)
	assert.Equal(t, "assignee", status.Rule)

	assert.False(t, CanOperate(sub, res, OpDelete))
	assert.False(t, CanOperate(sub, res, OpEdit))
	assert.False(t, CanOperate(sub, res, OpAssign))
}

func TestDecideTeamMember(t *testing.T) {
	sub := Subject{UserID: "u3", Role: RoleMember, Teams: []string{"team-a"}}
	res := teamTask("t1", "u1", "", "team-a")

	assert.True(t, CanOperate(sub, res, OpStatus))
	assert.True(t, CanOperate(sub, res, OpComment))
	assert.False(t, CanOperate(sub, res, OpDelete))
	assert.False(t, CanOperate(sub, res, OpAssign))

	other := teamTask("t2", "u1", "", "team-b")
	assert.False(t, CanOperate(sub, other, OpStatus))
}

func TestDecidePersonalTaskIgnoresMembership(t *testing.T) {
	sub := Subject{UserID: "u3", Role: RoleTeamLeader, Teams: []string{"team-a"}}
	res := Resource{ID: "t1", CreatorID: "u1", TeamID: "team-a"}
	assert.False(t, CanOperate(sub, res, OpStatus))
	assert.False(t, CanOperate(sub, res, OpDelete))
}

func TestDecideTeamLeader(t *testing.T) {
	leader := Subject{UserID: "lead", Role: RoleTeamLeader, Teams: []string{"team-a"}}
	res := teamTask("t1", "u1", "", "team-a")

	d := Decide(leader, res, OpDelete)
	require.True(t, d.Allowed)
	assert.Equal(t, "team_leader", d.Rule)
	assert.True(t, CanOperate(leader, res, OpAssign))
	assert.False(t, CanOperate(leader, res, OpEdit))

	foreign := teamTask("t2", "u1", "", "team-b")
	assert.False(t, CanOperate(leader, foreign, OpDelete))
}

func TestDecideAnonymousDenied(t *testing.T) {
	d := Decide(Subject{Role: RoleAdmin}, Resource{ID: "t1"}, OpView)
	assert.False(t, d.Allowed)
	assert.NotEmpty(t, d.Reason)
}

func TestCanOperateAllPreservesOrder(t *testing.T) {
	sub := Subject{UserID: "u1", Role: RoleMember}
	resources := []Resource{
		{ID: "a", CreatorID: "u1"},
		{ID: "b", CreatorID: "u9"},
		{ID: "c", CreatorID: "u1"},
		{ID: "d", CreatorID: "u9", AssigneeID: "u1"},
	}
	got := CanOperateAll(sub, resources, OpDelete)
	require.Len(t, got.Allowed, 2)
	require.Len(t, got.Denied, 2)
	assert.Equal(t, "a", got.Allowed[0].ID)
	assert.Equal(t, "c", got.Allowed[1].ID)
	assert.Equal(t, "b", got.Denied[0].ID)
	assert.Equal(t, "d", got.Denied[1].ID)
}

func TestCanBulk(t *testing.T) {
	member := Subject{UserID: "u1", Role: RoleMember}
	leader := Subject{UserID: "u2", Role: RoleTeamLeader}
	admin := Subject{UserID: "u3", Role: RoleAdmin}

	assert.False(t, CanBulk(member, OpDelete).Allowed)
	assert.False(t, CanBulk(member, OpAssign).Allowed)
	assert.True(t, CanBulk(member, OpStatus).Allowed)
	assert.True(t, CanBulk(leader, OpDelete).Allowed)
	assert.True(t, CanBulk(admin, OpAssign).Allowed)
	assert.False(t, CanBulk(Subject{Role: RoleAdmin}, OpStatus).Allowed)
}

func TestParseRole(t *testing.T) {
	cases := map[string]Role{
		"admin":       RoleAdmin,
		"TEAM_LEADER": RoleTeamLeader,
		"":            RoleMember,
		" user ":      RoleMember,
	}
	for in, want := range cases {
		got, err := ParseRole(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseRole("owner")
	assert.Error(t, err)
}
