package service

import (
	"fmt"
	"time"

	"github.com/agentpulse/agentpulse/apperr"
	"github.com/agentpulse/agentpulse/cryptoutil"
	"github.com/agentpulse/agentpulse/ipc"
	"github.com/agentpulse/agentpulse/queue"
)

// Dispatch executes one command from commands.jsonl and returns the
// result to append to results.jsonl (spec.md §4.I's "command tick").
// Every command is handled synchronously except send/send_group, whose
// actual network publish happens later on the queue tick — Dispatch
// only validates and enqueues them.
func (s *Supervisor) Dispatch(cmd ipc.Command) ipc.Result {
	payload, err := s.dispatchOp(cmd)
	if err != nil {
		appErr := apperr.Normalize(err, apperr.InternalError)
		return ipc.FailureResult(cmd.ID, appErr)
	}
	return ipc.SuccessResult(cmd.ID, payload)
}

func (s *Supervisor) dispatchOp(cmd ipc.Command) (map[string]any, error) {
	switch cmd.Op {
	case "send":
		return s.handleSend(cmd.Args)
	case "send_group":
		return s.handleSendGroup(cmd.Args)
	case "create_group":
		return s.handleCreateGroup(cmd.Args)
	case "join_group":
		return s.handleJoinGroup(cmd.Args)
	case "leave_group":
		return s.handleLeaveGroup(cmd.Args)
	case "list_groups":
		return s.handleListGroups()
	case "get_members":
		return s.handleGetMembers(cmd.Args)
	case "kick", "ban", "mute", "set_admin", "transfer":
		return s.handleGroupAuth(cmd.Op, cmd.Args)
	case "status":
		return s.handleStatus()
	case "recv":
		return s.handleRecv(cmd.Args)
	default:
		return nil, apperr.New(apperr.UnknownCommand, fmt.Sprintf("unknown command %q", cmd.Op))
	}
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", apperr.Newf(apperr.InvalidArgs, "missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", apperr.Newf(apperr.InvalidArgs, "argument %q must be a string", key)
	}
	return s, nil
}

func boolArg(args map[string]any, key string, def bool) bool {
	v, ok := args[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

func (s *Supervisor) handleSend(args map[string]any) (map[string]any, error) {
	to, err := stringArg(args, "to")
	if err != nil {
		return nil, err
	}
	content, err := stringArg(args, "content")
	if err != nil {
		return nil, err
	}
	if err := ensureCanSendDirect(to); err != nil {
		return nil, err
	}
	frame, err := cryptoutil.EncryptDirect(s.id.SecretKeyHex, to, []byte(content))
	if err != nil {
		return nil, err
	}
	id, err := s.queue.Enqueue(queue.KindDirect, to, frame)
	if err != nil {
		return nil, err
	}
	return map[string]any{"queued_id": id}, nil
}

func (s *Supervisor) handleSendGroup(args map[string]any) (map[string]any, error) {
	groupID, err := stringArg(args, "group_id")
	if err != nil {
		return nil, err
	}
	content, err := stringArg(args, "content")
	if err != nil {
		return nil, err
	}
	if err := s.groups.CanSend(groupID, s.id.PublicKeyHex); err != nil {
		return nil, err
	}
	topic, err := s.groupTopic(groupID)
	if err != nil {
		return nil, err
	}
	frame, err := cryptoutil.EncryptGroup(topic, []byte(content))
	if err != nil {
		return nil, err
	}
	id, err := s.queue.Enqueue(queue.KindGroup, groupID, frame)
	if err != nil {
		return nil, err
	}
	return map[string]any{"queued_id": id}, nil
}

func (s *Supervisor) groupTopic(groupID string) (string, error) {
	for _, g := range s.groups.ListGroups() {
		if g.ID == groupID {
			return g.Topic, nil
		}
	}
	return "", apperr.New(apperr.GroupNotFound, "no such group")
}

func (s *Supervisor) handleCreateGroup(args map[string]any) (map[string]any, error) {
	name, err := stringArg(args, "name")
	if err != nil {
		return nil, err
	}
	id, topic, err := s.groups.CreateGroup(name, s.id.PublicKeyHex)
	if err != nil {
		return nil, err
	}
	return map[string]any{"group_id": id, "topic": topic}, nil
}

func (s *Supervisor) handleJoinGroup(args map[string]any) (map[string]any, error) {
	groupID, err := stringArg(args, "group_id")
	if err != nil {
		return nil, err
	}
	topic, err := stringArg(args, "topic")
	if err != nil {
		return nil, err
	}
	if err := s.groups.JoinGroup(groupID, topic, s.id.PublicKeyHex); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Supervisor) handleLeaveGroup(args map[string]any) (map[string]any, error) {
	groupID, err := stringArg(args, "group_id")
	if err != nil {
		return nil, err
	}
	if err := s.groups.LeaveGroup(groupID, s.id.PublicKeyHex); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Supervisor) handleListGroups() (map[string]any, error) {
	groups := s.groups.ListGroups()
	ids := make([]string, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.ID)
	}
	return map[string]any{"groups": ids}, nil
}

func (s *Supervisor) handleGetMembers(args map[string]any) (map[string]any, error) {
	groupID, err := stringArg(args, "group_id")
	if err != nil {
		return nil, err
	}
	members, err := s.groups.GetMembers(groupID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"members": members}, nil
}

func (s *Supervisor) handleGroupAuth(op string, args map[string]any) (map[string]any, error) {
	groupID, err := stringArg(args, "group_id")
	if err != nil {
		return nil, err
	}
	target, err := stringArg(args, "target")
	if err != nil {
		return nil, err
	}
	actor := s.id.PublicKeyHex

	switch op {
	case "kick":
		err = s.groups.Kick(groupID, actor, target)
	case "ban":
		err = s.groups.Ban(groupID, actor, target)
	case "mute":
		durationS, _ := args["duration_s"].(float64)
		err = s.groups.Mute(groupID, actor, target, time.Duration(durationS)*time.Second)
	case "set_admin":
		err = s.groups.SetAdmin(groupID, actor, target, boolArg(args, "admin", true))
	case "transfer":
		err = s.groups.TransferOwnership(groupID, actor, target)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Supervisor) handleStatus() (map[string]any, error) {
	st := s.queue.Status()
	return map[string]any{
		"running":       true,
		"pubkey":        s.id.PublicKeyHex,
		"queue_pending": st.Pending,
		"queue_waiting": st.Waiting,
		"relays":        s.relays.Snapshot(),
	}, nil
}

func (s *Supervisor) handleRecv(args map[string]any) (map[string]any, error) {
	clear := boolArg(args, "clear", false)
	messages, err := s.journals.ReadMessages(clear)
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": messages}, nil
}
