package group

import (
	"testing"
	"time"

	"github.com/agentpulse/agentpulse/pathreg"
	"github.com/agentpulse/agentpulse/storagekey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	reg, err := pathreg.New(t.TempDir())
	require.NoError(t, err)
	cust := storagekey.New(reg, storagekey.DefaultRotationInterval)
	var events []ControlEvent
	m, err := NewManager(reg, cust, func(e ControlEvent) { events = append(events, e) })
	require.NoError(t, err)
	return m
}

func TestCreateGroupYieldsSingleOwnerMember(t *testing.T) {
	// Invariant 9: create_group -> get_members yields a single member
	// equal to the owner with role "owner".
	m := newTestManager(t)
	id, topic, err := m.CreateGroup("my group", "owner-pk")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Len(t, topic, 64)

	members, err := m.GetMembers(id)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "owner-pk", members[0].Pubkey)
	assert.Equal(t, RoleOwner, members[0].Role)
}

func TestCreateGroupRejectsShortName(t *testing.T) {
	m := newTestManager(t)
	_, _, err := m.CreateGroup("a", "owner")
	require.Error(t, err)
	_, _, err = m.CreateGroup("", "owner")
	require.Error(t, err)
}

func TestJoinGroupIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	id, topic, err := m.CreateGroup("group", "owner")
	require.NoError(t, err)

	require.NoError(t, m.JoinGroup(id, topic, "member-1"))
	require.NoError(t, m.JoinGroup(id, topic, "member-1"))

	members, err := m.GetMembers(id)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestCanSendRules(t *testing.T) {
	m := newTestManager(t)
	id, topic, err := m.CreateGroup("group", "owner")
	require.NoError(t, err)
	require.NoError(t, m.JoinGroup(id, topic, "member-1"))

	assert.NoError(t, m.CanSend(id, "owner"))
	assert.NoError(t, m.CanSend(id, "member-1"))

	err = m.CanSend(id, "stranger")
	require.Error(t, err)
}

func TestKickRemovesNonOwnerMember(t *testing.T) {
	m := newTestManager(t)
	id, topic, err := m.CreateGroup("group", "owner")
	require.NoError(t, err)
	require.NoError(t, m.JoinGroup(id, topic, "member-1"))

	require.NoError(t, m.Kick(id, "owner", "member-1"))
	err = m.CanSend(id, "member-1")
	require.Error(t, err)
}

func TestKickCannotTargetOwner(t *testing.T) {
	m := newTestManager(t)
	id, topic, err := m.CreateGroup("group", "owner")
	require.NoError(t, err)
	require.NoError(t, m.JoinGroup(id, topic, "member-1"))
	require.NoError(t, m.SetAdmin(id, "owner", "member-1", true))

	err = m.Kick(id, "member-1", "owner")
	require.Error(t, err)
}

func TestBanPreventsRejoin(t *testing.T) {
	m := newTestManager(t)
	id, topic, err := m.CreateGroup("group", "owner")
	require.NoError(t, err)
	require.NoError(t, m.JoinGroup(id, topic, "member-1"))

	require.NoError(t, m.Ban(id, "owner", "member-1"))
	err = m.JoinGroup(id, topic, "member-1")
	require.Error(t, err)
}

func TestMuteBlocksSendingUntilExpiry(t *testing.T) {
	m := newTestManager(t)
	id, topic, err := m.CreateGroup("group", "owner")
	require.NoError(t, err)
	require.NoError(t, m.JoinGroup(id, topic, "member-1"))

	require.NoError(t, m.Mute(id, "owner", "member-1", 10*time.Millisecond))
	err = m.CanSend(id, "member-1")
	require.Error(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, m.CanSend(id, "member-1"))
}

func TestSetAdminPromoteAndDemote(t *testing.T) {
	m := newTestManager(t)
	id, topic, err := m.CreateGroup("group", "owner")
	require.NoError(t, err)
	require.NoError(t, m.JoinGroup(id, topic, "member-1"))

	require.NoError(t, m.SetAdmin(id, "owner", "member-1", true))
	members, err := m.GetMembers(id)
	require.NoError(t, err)
	assert.Contains(t, rolesByPubkey(members), "member-1")
	assert.Equal(t, RoleAdmin, rolesByPubkey(members)["member-1"])

	// a non-owner admin cannot demote another admin.
	require.NoError(t, m.JoinGroup(id, topic, "member-2"))
	require.NoError(t, m.SetAdmin(id, "owner", "member-2", true))
	err = m.SetAdmin(id, "member-1", "member-2", false)
	require.Error(t, err)

	require.NoError(t, m.SetAdmin(id, "owner", "member-1", false))
	members, err = m.GetMembers(id)
	require.NoError(t, err)
	assert.Equal(t, RoleMember, rolesByPubkey(members)["member-1"])
}

func TestTransferOwnership(t *testing.T) {
	m := newTestManager(t)
	id, topic, err := m.CreateGroup("group", "owner")
	require.NoError(t, err)
	require.NoError(t, m.JoinGroup(id, topic, "member-1"))

	require.NoError(t, m.TransferOwnership(id, "owner", "member-1"))

	groups := m.ListGroups()
	require.Len(t, groups, 1)
	assert.Equal(t, "member-1", groups[0].Owner)

	members, err := m.GetMembers(id)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, rolesByPubkey(members)["owner"])
	assert.Equal(t, RoleOwner, rolesByPubkey(members)["member-1"])
}

func TestTransferOwnershipRejectsNonOwner(t *testing.T) {
	m := newTestManager(t)
	id, topic, err := m.CreateGroup("group", "owner")
	require.NoError(t, err)
	require.NoError(t, m.JoinGroup(id, topic, "member-1"))

	err = m.TransferOwnership(id, "member-1", "member-1")
	require.Error(t, err)
}

func TestUnknownGroupFailsGroupNotFound(t *testing.T) {
	m := newTestManager(t)
	_, err := m.GetMembers("does-not-exist")
	require.Error(t, err)
}

func TestGroupDirectoryPersistsAcrossManagerInstances(t *testing.T) {
	reg, err := pathreg.New(t.TempDir())
	require.NoError(t, err)
	cust := storagekey.New(reg, storagekey.DefaultRotationInterval)

	m1, err := NewManager(reg, cust, nil)
	require.NoError(t, err)
	id, _, err := m1.CreateGroup("persisted group", "owner")
	require.NoError(t, err)

	m2, err := NewManager(reg, cust, nil)
	require.NoError(t, err)
	groups := m2.ListGroups()
	require.Len(t, groups, 1)
	assert.Equal(t, id, groups[0].ID)
}

func TestSyncHistoryDedupsByEventID(t *testing.T) {
	m := newTestManager(t)
	id, _, err := m.CreateGroup("group", "owner")
	require.NoError(t, err)

	require.NoError(t, m.AppendHistory(id, HistoryEntry{EventID: "e1", Sender: "owner", Content: "hi", Timestamp: time.Now()}))
	require.NoError(t, m.SyncHistory(id, []HistoryEntry{
		{EventID: "e1", Sender: "owner", Content: "hi", Timestamp: time.Now()},
		{EventID: "e2", Sender: "owner", Content: "there", Timestamp: time.Now()},
	}))

	hist, err := m.History(id)
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}

func TestHistoryCapsAtLimit(t *testing.T) {
	m := newTestManager(t)
	id, _, err := m.CreateGroup("group", "owner")
	require.NoError(t, err)

	for i := 0; i < HistoryLimit+10; i++ {
		require.NoError(t, m.AppendHistory(id, HistoryEntry{
			EventID:   pathreg.NewID(),
			Sender:    "owner",
			Content:   "msg",
			Timestamp: time.Now(),
		}))
	}
	hist, err := m.History(id)
	require.NoError(t, err)
	assert.Len(t, hist, HistoryLimit)
}

func rolesByPubkey(members []Member) map[string]Role {
	out := make(map[string]Role, len(members))
	for _, m := range members {
		out[m.Pubkey] = m.Role
	}
	return out
}
