package group

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/agentpulse/agentpulse/apperr"
	"github.com/agentpulse/agentpulse/pathreg"
	"github.com/agentpulse/agentpulse/storagekey"
)

// ControlEvent is a signed, locally-defined-kind record describing a
// group mutation, mirroring go-nostr's NIP-29 kind-900x control events
// (nostr_group.go's builders) so a future relay-sync layer could
// replicate membership changes — even though the replication transport
// itself is out of scope here.
type ControlEvent struct {
	Kind      string    `json:"kind"`
	GroupID   string    `json:"group_id"`
	Actor     string    `json:"actor"`
	Target    string    `json:"target,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	EventGroupCreate             = "GroupCreate"
	EventGroupPutUser            = "GroupPutUser"
	EventGroupRemoveUser         = "GroupRemoveUser"
	EventGroupBan                = "GroupBan"
	EventGroupMute               = "GroupMute"
	EventGroupSetAdmin           = "GroupSetAdmin"
	EventGroupTransferOwnership  = "GroupTransferOwnership"
	EventGroupEditMetadata       = "GroupEditMetadata"
)

// ControlEventSink receives every control event a Manager emits. The
// service core wires this to relaypool.Pool.Publish; tests use a
// recording sink.
type ControlEventSink func(ControlEvent)

// Manager owns the full group directory: creation, membership,
// authorization transitions, and persistence to groups.json encrypted
// at rest via the storage-key custodian.
type Manager struct {
	mu     sync.Mutex
	reg    pathreg.Registry
	cust   *storagekey.Custodian
	groups map[string]*Group
	sink   ControlEventSink
}

// NewManager loads the persisted group directory (if any) and returns a
// ready Manager.
func NewManager(reg pathreg.Registry, cust *storagekey.Custodian, sink ControlEventSink) (*Manager, error) {
	m := &Manager{reg: reg, cust: cust, groups: make(map[string]*Group), sink: sink}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) emit(evt ControlEvent) {
	if m.sink == nil {
		return
	}
	evt.Timestamp = time.Now()
	m.sink(evt)
}

// CreateGroup creates a new group owned by owner, returning its ID and
// secret topic.
func (m *Manager) CreateGroup(name, owner string) (groupID, topic string, err error) {
	if len(name) < MinNameLen {
		return "", "", apperr.Newf(apperr.InvalidArgs, "group name must be at least %d characters", MinNameLen)
	}
	topic, err = randomTopic()
	if err != nil {
		return "", "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := pathreg.NewID()
	g := newGroup(id, name, topic, owner)
	m.groups[id] = g
	if err := m.persistLocked(); err != nil {
		return "", "", err
	}
	m.emit(ControlEvent{Kind: EventGroupCreate, GroupID: id, Actor: owner, Data: map[string]string{"name": name}})
	return id, topic, nil
}

// JoinGroup records self as a member of an already-known group (the
// caller obtained group_id/topic out of band).
func (m *Manager) JoinGroup(groupID, topic, self string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		g = newGroupStub(groupID, topic)
		m.groups[groupID] = g
	}
	if g.Banned[self] {
		return apperr.New(apperr.MemberBanned, "member is banned from this group")
	}
	if _, exists := g.Members[self]; exists {
		return nil // idempotent
	}
	now := time.Now()
	g.Members[self] = Member{Pubkey: self, Role: RoleMember, JoinedAt: now, LastSeenAt: now}
	if err := m.persistLocked(); err != nil {
		return err
	}
	m.emit(ControlEvent{Kind: EventGroupPutUser, GroupID: groupID, Actor: self, Target: self})
	return nil
}

// newGroupStub creates a placeholder Group for a join against a group
// this agent has never seen CreateGroup for (owner/name unknown until
// history sync fills them in).
func newGroupStub(id, topic string) *Group {
	return &Group{
		ID:        id,
		Topic:     topic,
		CreatedAt: time.Now(),
		Members:   make(map[string]Member),
		Banned:    make(map[string]bool),
		Muted:     make(map[string]time.Time),
	}
}

// LeaveGroup removes self from the group's membership.
func (m *Manager) LeaveGroup(groupID, self string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.mustGet(groupID)
	if err != nil {
		return err
	}
	delete(g.Members, self)
	if err := m.persistLocked(); err != nil {
		return err
	}
	m.emit(ControlEvent{Kind: EventGroupRemoveUser, GroupID: groupID, Actor: self, Target: self})
	return nil
}

// ListGroups returns a snapshot of every known group.
func (m *Manager) ListGroups() []Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, *g)
	}
	return out
}

// GetMembers returns the membership roster of a group.
func (m *Manager) GetMembers(groupID string) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, err := m.mustGet(groupID)
	if err != nil {
		return nil, err
	}
	out := make([]Member, 0, len(g.Members))
	for _, mem := range g.Members {
		out = append(out, mem)
	}
	return out, nil
}

// RecordSeen updates a member's last-seen timestamp after an inbound
// group event, persisting the change.
func (m *Manager) RecordSeen(groupID, pubkey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, err := m.mustGet(groupID)
	if err != nil {
		return err
	}
	mem, ok := g.Members[pubkey]
	if !ok {
		return nil
	}
	mem.LastSeenAt = time.Now()
	g.Members[pubkey] = mem
	return m.persistLocked()
}

// CanSend reports whether sender may currently post to groupID.
func (m *Manager) CanSend(groupID, sender string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, err := m.mustGet(groupID)
	if err != nil {
		return err
	}
	return g.CanSend(sender)
}

// Kick removes target from groupID. actor must hold admin permission;
// the owner can never be kicked.
func (m *Manager) Kick(groupID, actor, target string) error {
	return m.mutateMember(groupID, actor, target, EventGroupRemoveUser, func(g *Group) error {
		delete(g.Members, target)
		return nil
	})
}

// Ban removes target from groupID and prevents rejoining.
func (m *Manager) Ban(groupID, actor, target string) error {
	return m.mutateMember(groupID, actor, target, EventGroupBan, func(g *Group) error {
		delete(g.Members, target)
		g.Banned[target] = true
		return nil
	})
}

// Mute prevents target from sending for duration.
func (m *Manager) Mute(groupID, actor, target string, duration time.Duration) error {
	return m.mutateMember(groupID, actor, target, EventGroupMute, func(g *Group) error {
		g.Muted[target] = time.Now().Add(duration)
		return nil
	})
}

// SetAdmin promotes or demotes target. Promotion may be done by any
// admin or the owner; demotion is owner-only (spec.md §4.H state
// machine: "admin --set_admin(false by owner)--> member").
func (m *Manager) SetAdmin(groupID, actor, target string, admin bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.mustGet(groupID)
	if err != nil {
		return err
	}
	if !admin && actor != g.Owner {
		return apperr.New(apperr.NotGroupOwner, "only the group owner may demote an admin")
	}
	if !g.hasAdminPermission(actor) {
		return apperr.New(apperr.NotGroupOwner, "actor lacks admin permission")
	}
	mem, ok := g.Members[target]
	if !ok {
		return apperr.New(apperr.MemberNotFound, "target is not a member of this group")
	}
	if target == g.Owner {
		return apperr.New(apperr.NotGroupOwner, "the owner's role cannot be changed directly")
	}
	if admin {
		mem.Role = RoleAdmin
	} else {
		mem.Role = RoleMember
	}
	g.Members[target] = mem
	if err := m.persistLocked(); err != nil {
		return err
	}
	m.emit(ControlEvent{Kind: EventGroupSetAdmin, GroupID: groupID, Actor: actor, Target: target, Data: map[string]bool{"admin": admin}})
	return nil
}

// TransferOwnership makes newOwner the owner; the previous owner
// becomes an admin. Only the current owner may call this.
func (m *Manager) TransferOwnership(groupID, actor, newOwner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.mustGet(groupID)
	if err != nil {
		return err
	}
	if actor != g.Owner {
		return apperr.New(apperr.NotGroupOwner, "only the current owner may transfer ownership")
	}
	if _, ok := g.Members[newOwner]; !ok {
		return apperr.New(apperr.MemberNotFound, "new owner must already be a member")
	}
	oldOwner := g.Owner
	g.Owner = newOwner
	incoming := g.Members[newOwner]
	incoming.Role = RoleOwner
	g.Members[newOwner] = incoming
	outgoing := g.Members[oldOwner]
	outgoing.Pubkey = oldOwner
	outgoing.Role = RoleAdmin
	g.Members[oldOwner] = outgoing
	if err := m.persistLocked(); err != nil {
		return err
	}
	m.emit(ControlEvent{Kind: EventGroupTransferOwnership, GroupID: groupID, Actor: actor, Target: newOwner})
	return nil
}

// mutateMember implements the shared guard sequence for kick/ban/mute:
// group must exist, actor must have admin permission, target must be a
// member, and the owner is immune.
func (m *Manager) mutateMember(groupID, actor, target, eventKind string, mutate func(*Group) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.mustGet(groupID)
	if err != nil {
		return err
	}
	if !g.hasAdminPermission(actor) {
		return apperr.New(apperr.NotGroupOwner, "actor lacks admin permission")
	}
	if target == g.Owner {
		return apperr.New(apperr.NotGroupOwner, "the group owner cannot be kicked, banned, or muted")
	}
	if _, ok := g.Members[target]; !ok {
		return apperr.New(apperr.MemberNotFound, "target is not a member of this group")
	}
	if err := mutate(g); err != nil {
		return err
	}
	if err := m.persistLocked(); err != nil {
		return err
	}
	m.emit(ControlEvent{Kind: eventKind, GroupID: groupID, Actor: actor, Target: target})
	return nil
}

func (m *Manager) mustGet(groupID string) (*Group, error) {
	g, ok := m.groups[groupID]
	if !ok {
		return nil, apperr.New(apperr.GroupNotFound, "no such group")
	}
	return g, nil
}

// persistLocked serializes the group directory and encrypts it at rest
// via the storage-key custodian, then writes it to the registry's
// groups.json path via writeFileAtomic (temp-then-rename). Caller must
// hold m.mu.
func (m *Manager) persistLocked() error {
	data, err := json.Marshal(m.groups)
	if err != nil {
		return apperr.Wrap(apperr.InternalError, "marshal group directory", err)
	}
	key, err := m.cust.Get()
	if err != nil {
		return err
	}
	frame, err := storagekey.EncryptForStorage(key.Key, data)
	if err != nil {
		return err
	}
	return writeFileAtomic(m.reg.GroupsFile(), []byte(frame))
}

func (m *Manager) load() error {
	raw, err := readFileIfExists(m.reg.GroupsFile())
	if err != nil || raw == nil {
		return err
	}
	key, err := m.cust.Get()
	if err != nil {
		return err
	}
	data, err := storagekey.DecryptForStorage(key.Key, string(raw))
	if err != nil {
		return err
	}
	var groups map[string]*Group
	if err := json.Unmarshal(data, &groups); err != nil {
		return apperr.Wrap(apperr.FileError, "parse group directory", err)
	}
	m.groups = groups
	return nil
}
