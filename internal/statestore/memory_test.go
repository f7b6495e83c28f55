package statestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_AddNamespaceIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.AddNamespace(ctx, "lobby", NamespaceMeta{"k": "v"}))
	require.NoError(t, m.AddNamespace(ctx, "lobby", NamespaceMeta{"k": "overwritten"}))

	meta, ok, err := m.GetNamespace(ctx, "lobby")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", meta["k"], "second AddNamespace must not clobber the first")
}

func TestMemory_RemoveNamespaceRejectsNonEmpty(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.AddNamespace(ctx, "lobby", nil))
	require.NoError(t, m.AddRoom(ctx, "lobby", "general", RoomMeta{}))

	err := m.RemoveNamespace(ctx, "lobby")
	assert.Error(t, err)
}

func TestMemory_RoomMembership(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.AddRoom(ctx, "lobby", "general", RoomMeta{}))
	require.NoError(t, m.AddUserToRoom(ctx, "lobby", "general", "conn-1"))
	require.NoError(t, m.AddUserToRoom(ctx, "lobby", "general", "conn-1"))

	members, err := m.GetClientsInRoom(ctx, "lobby", "general")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"conn-1"}, members, "duplicate adds must not duplicate membership")

	count, err := m.CountClientsInRoom(ctx, "lobby", "general")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	isMember, err := m.IsMember(ctx, "lobby", "general", "conn-1")
	require.NoError(t, err)
	assert.True(t, isMember)

	require.NoError(t, m.RemoveUserFromRoom(ctx, "lobby", "general", "conn-1"))
	isMember, err = m.IsMember(ctx, "lobby", "general", "conn-1")
	require.NoError(t, err)
	assert.False(t, isMember)
}

func TestMemory_RemoveClientClearsRoomsAndUsers(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.AddClient(ctx, ClientInfo{
		ConnectionID: "conn-1",
		InstanceID:   "inst-a",
		Namespace:    "lobby",
		UserID:       "user-1",
	}))
	require.NoError(t, m.AddUserToRoom(ctx, "lobby", "general", "conn-1"))

	require.NoError(t, m.RemoveClient(ctx, "conn-1"))

	clients, err := m.GetClientsByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, clients)

	members, err := m.GetClientsInRoom(ctx, "lobby", "general")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestMemory_ClearInstanceData(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.AddClient(ctx, ClientInfo{ConnectionID: "conn-1", InstanceID: "inst-a", UserID: "user-1"}))
	require.NoError(t, m.AddClient(ctx, ClientInfo{ConnectionID: "conn-2", InstanceID: "inst-b", UserID: "user-2"}))
	require.NoError(t, m.AddUserToRoom(ctx, "lobby", "general", "conn-1"))

	require.NoError(t, m.ClearInstanceData(ctx, "inst-a"))

	all, err := m.GetAllClients(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "conn-2", all[0].ConnectionID)

	members, err := m.GetClientsInRoom(ctx, "lobby", "general")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestMemory_GetUserRoomsScopesByNamespace(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.AddUserToRoom(ctx, "lobby", "general", "conn-1"))
	require.NoError(t, m.AddUserToRoom(ctx, "support", "general", "conn-1"))

	rooms, err := m.GetUserRooms(ctx, "lobby", "conn-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"general"}, rooms)
}
