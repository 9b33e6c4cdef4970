// Package group implements AgentPulse's group directory and authorization
// state machine: owner/admin/member roles, ban/mute/kick/transfer
// transitions, and capped per-group history. It generalizes the teacher
// pack's opd-ai-toxcore group.Chat (KickPeer, SetPeerRole, peer roster)
// from Tox's numeric role ladder to the owner/admin/member + ban/mute
// sets spec.md §4.H requires (group/chat.go in the example pack).
package group

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/agentpulse/agentpulse/apperr"
)

// Role is a member's standing within a group.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

// HistoryLimit bounds the per-group message history journal (spec.md §4.H).
const HistoryLimit = 100

// MinNameLen is the minimum accepted group name length.
const MinNameLen = 2

// Member is one participant's membership record.
type Member struct {
	Pubkey     string    `json:"pubkey"`
	Role       Role      `json:"role"`
	JoinedAt   time.Time `json:"joined_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Group is a single group's full authorization and identity state.
// Topic is the 32-byte secret (hex-encoded) cryptoutil derives the
// group's symmetric key from; it is never published to a relay.
type Group struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Topic     string            `json:"topic"`
	Owner     string            `json:"owner"`
	CreatedAt time.Time         `json:"created_at"`
	Members   map[string]Member `json:"members"`
	Banned    map[string]bool   `json:"banned"`
	Muted     map[string]time.Time `json:"muted"`
}

func newGroup(id, name, topic, owner string) *Group {
	now := time.Now()
	return &Group{
		ID:        id,
		Name:      name,
		Topic:     topic,
		Owner:     owner,
		CreatedAt: now,
		Members: map[string]Member{
			owner: {Pubkey: owner, Role: RoleOwner, JoinedAt: now, LastSeenAt: now},
		},
		Banned: make(map[string]bool),
		Muted:  make(map[string]time.Time),
	}
}

// hasAdminPermission implements spec.md §4.H's
// has_admin_permission(g,p) = p == g.owner OR members[p].role == admin.
// The owner's own membership record carries role "owner" (scenario S9),
// which this check also accepts.
func (g *Group) hasAdminPermission(pubkey string) bool {
	if pubkey == g.Owner {
		return true
	}
	m, ok := g.Members[pubkey]
	return ok && (m.Role == RoleAdmin || m.Role == RoleOwner)
}

// CanSend reports whether pubkey may currently send to g: member,
// not banned, and not muted (or mute has expired).
func (g *Group) CanSend(pubkey string) error {
	if g.Banned[pubkey] {
		return apperr.New(apperr.MemberBanned, "member is banned from this group")
	}
	if _, ok := g.Members[pubkey]; !ok {
		return apperr.New(apperr.MemberNotFound, "pubkey is not a member of this group")
	}
	if until, muted := g.Muted[pubkey]; muted && time.Now().Before(until) {
		return apperr.New(apperr.MemberMuted, "member is muted until the mute expires")
	}
	return nil
}

func randomTopic() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", apperr.Wrap(apperr.InternalError, "generate group topic secret", err)
	}
	return hex.EncodeToString(buf), nil
}
