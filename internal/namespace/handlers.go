package namespace

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clusterwire/fabric/internal/connection"
	"github.com/clusterwire/fabric/internal/fabricerr"
	"github.com/clusterwire/fabric/pkg/envelope"
)

// registerBuiltinHandlers installs the default event set from §4.J. A
// custom handler registered via On for the same event name always wins
// (HandleEvent looks handlers up by the same map, and On simply
// overwrites the entry this function installed).
func (ns *Namespace) registerBuiltinHandlers() {
	ns.handlers["room:join"] = handleRoomJoin
	ns.handlers["room:leave"] = handleRoomLeave
	ns.handlers["chat:send_message"] = handleChatSendMessage
	ns.handlers["chat:typing_start"] = handleChatTypingStart
	ns.handlers["chat:send_global"] = handleChatSendGlobal
	ns.handlers["ping"] = handlePing
	ns.handlers["who_am_i"] = handleWhoAmI
	ns.handlers["list_rooms"] = handleListRooms
}

type roomNamePayload struct {
	RoomName string `json:"roomName"`
}

func handleRoomJoin(ctx context.Context, ns *Namespace, conn *connection.Connection, env envelope.Envelope) error {
	var p roomNamePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fabricerr.Protocol("room:join requires a roomName field")
	}
	r, err := ns.GetOrCreateRoom(p.RoomName)
	if err != nil {
		return err
	}
	return r.Join(ctx, conn)
}

func handleRoomLeave(ctx context.Context, ns *Namespace, conn *connection.Connection, env envelope.Envelope) error {
	var p roomNamePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fabricerr.Protocol("room:leave requires a roomName field")
	}
	r, ok := ns.room(p.RoomName)
	if !ok {
		return nil
	}
	_, err := r.Leave(ctx, conn.ID)
	return err
}

type chatMessagePayload struct {
	RoomName string `json:"roomName"`
	Text     string `json:"text"`
}

func handleChatSendMessage(ctx context.Context, ns *Namespace, conn *connection.Connection, env envelope.Envelope) error {
	var p chatMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fabricerr.Protocol("chat:send_message requires roomName and text fields")
	}
	r, ok := ns.room(p.RoomName)
	if !ok {
		return fabricerr.Protocol(fmt.Sprintf("not a member of room %q", p.RoomName))
	}
	out, err := envelope.New(ns.Name, p.RoomName, "chat:message_new", map[string]string{
		"text": p.Text,
	}, &envelope.Sender{ID: conn.Principal.UserID, Name: conn.Principal.DisplayName}, ns.instanceID)
	if err != nil {
		return err
	}
	r.Emit(ctx, out, "")
	return nil
}

func handleChatTypingStart(ctx context.Context, ns *Namespace, conn *connection.Connection, env envelope.Envelope) error {
	var p roomNamePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fabricerr.Protocol("chat:typing_start requires a roomName field")
	}
	r, ok := ns.room(p.RoomName)
	if !ok {
		return nil
	}
	out, err := envelope.New(ns.Name, p.RoomName, "chat:typing_start", map[string]string{}, &envelope.Sender{
		ID: conn.Principal.UserID, Name: conn.Principal.DisplayName,
	}, ns.instanceID)
	if err != nil {
		return err
	}
	r.Emit(ctx, out, conn.ID)
	return nil
}

type chatGlobalPayload struct {
	Text string `json:"text"`
}

func handleChatSendGlobal(ctx context.Context, ns *Namespace, conn *connection.Connection, env envelope.Envelope) error {
	if !conn.Principal.IsAdmin() {
		return fabricerr.Auth("chat:send_global requires admin access")
	}
	var p chatGlobalPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fabricerr.Protocol("chat:send_global requires a text field")
	}
	out, err := envelope.New(ns.Name, "", "chat:global_message", map[string]string{"text": p.Text},
		&envelope.Sender{ID: conn.Principal.UserID, Name: conn.Principal.DisplayName}, ns.instanceID)
	if err != nil {
		return err
	}
	ns.BroadcastAll(ctx, out)
	return nil
}

func handlePing(ctx context.Context, ns *Namespace, conn *connection.Connection, _ envelope.Envelope) error {
	out, err := envelope.New(ns.Name, "", "pong", map[string]string{}, nil, ns.instanceID)
	if err != nil {
		return err
	}
	data, err := out.MarshalForWire()
	if err != nil {
		return err
	}
	conn.Send(ctx, data)
	return nil
}

func handleWhoAmI(ctx context.Context, ns *Namespace, conn *connection.Connection, _ envelope.Envelope) error {
	out, err := envelope.New(ns.Name, "", "who_am_i", map[string]string{
		"user_id":      conn.Principal.UserID,
		"display_name": conn.Principal.DisplayName,
		"access_level": string(conn.Principal.AccessLevel),
	}, nil, ns.instanceID)
	if err != nil {
		return err
	}
	data, err := out.MarshalForWire()
	if err != nil {
		return err
	}
	conn.Send(ctx, data)
	return nil
}

func handleListRooms(ctx context.Context, ns *Namespace, conn *connection.Connection, _ envelope.Envelope) error {
	ns.mu.RLock()
	names := make([]string, 0, len(ns.rooms))
	for name := range ns.rooms {
		names = append(names, name)
	}
	ns.mu.RUnlock()

	out, err := envelope.New(ns.Name, "", "list_rooms", map[string][]string{"rooms": names}, nil, ns.instanceID)
	if err != nil {
		return err
	}
	data, err := out.MarshalForWire()
	if err != nil {
		return err
	}
	conn.Send(ctx, data)
	return nil
}
