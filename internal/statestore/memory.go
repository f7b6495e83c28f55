package statestore

import (
	"context"
	"fmt"
	"sync"

	"k8s.io/utils/set"
)

type roomKey struct {
	ns, room string
}

// Memory is a single-process StateStore, used when STATE_BACKEND=memory
// (single-instance deployments, or tests). It gives the exact set
// semantics the interface requires without needing an external store.
type Memory struct {
	mu sync.RWMutex

	namespaces map[string]NamespaceMeta
	rooms      map[string]map[string]RoomMeta // ns -> room -> meta
	clients    map[string]ClientInfo          // connectionID -> info
	usersConns map[string]set.Set[string]     // userID -> connectionIDs
	roomConns  map[roomKey]set.Set[string]    // (ns,room) -> connectionIDs
	connRooms  map[string]set.Set[string]     // connectionID -> "ns:room" full names
	instConns  map[string]set.Set[string]     // instanceID -> connectionIDs
}

func NewMemory() *Memory {
	return &Memory{
		namespaces: make(map[string]NamespaceMeta),
		rooms:      make(map[string]map[string]RoomMeta),
		clients:    make(map[string]ClientInfo),
		usersConns: make(map[string]set.Set[string]),
		roomConns:  make(map[roomKey]set.Set[string]),
		connRooms:  make(map[string]set.Set[string]),
		instConns:  make(map[string]set.Set[string]),
	}
}

func fullRoomName(ns, room string) string { return fmt.Sprintf("%s:%s", ns, room) }

func (m *Memory) AddNamespace(_ context.Context, name string, meta NamespaceMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.namespaces[name]; !ok {
		m.namespaces[name] = meta
		m.rooms[name] = make(map[string]RoomMeta)
	}
	return nil
}

func (m *Memory) GetNamespace(_ context.Context, name string) (NamespaceMeta, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.namespaces[name]
	return meta, ok, nil
}

func (m *Memory) ListNamespaces(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.namespaces))
	for name := range m.namespaces {
		out = append(out, name)
	}
	return out, nil
}

func (m *Memory) RemoveNamespace(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rooms, ok := m.rooms[name]; ok && len(rooms) > 0 {
		return fmt.Errorf("statestore: namespace %q is not empty", name)
	}
	delete(m.namespaces, name)
	delete(m.rooms, name)
	return nil
}

func (m *Memory) AddRoom(_ context.Context, ns, name string, meta RoomMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[ns]; !ok {
		m.rooms[ns] = make(map[string]RoomMeta)
	}
	if _, ok := m.rooms[ns][name]; !ok {
		m.rooms[ns][name] = meta
	}
	return nil
}

func (m *Memory) RemoveRoom(_ context.Context, ns, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms[ns], name)
	delete(m.roomConns, roomKey{ns, name})
	return nil
}

func (m *Memory) GetRooms(_ context.Context, ns string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.rooms[ns]))
	for name := range m.rooms[ns] {
		out = append(out, name)
	}
	return out, nil
}

func (m *Memory) RoomExists(_ context.Context, ns, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[ns][name]
	return ok, nil
}

func (m *Memory) AddClient(_ context.Context, info ClientInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[info.ConnectionID] = info

	if m.usersConns[info.UserID] == nil {
		m.usersConns[info.UserID] = set.New[string]()
	}
	m.usersConns[info.UserID].Insert(info.ConnectionID)

	if m.instConns[info.InstanceID] == nil {
		m.instConns[info.InstanceID] = set.New[string]()
	}
	m.instConns[info.InstanceID].Insert(info.ConnectionID)
	return nil
}

func (m *Memory) RemoveClient(_ context.Context, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.clients[connectionID]
	if !ok {
		return nil
	}
	delete(m.clients, connectionID)
	if s := m.usersConns[info.UserID]; s != nil {
		s.Delete(connectionID)
		if s.Len() == 0 {
			delete(m.usersConns, info.UserID)
		}
	}
	if s := m.instConns[info.InstanceID]; s != nil {
		s.Delete(connectionID)
		if s.Len() == 0 {
			delete(m.instConns, info.InstanceID)
		}
	}
	if rooms := m.connRooms[connectionID]; rooms != nil {
		for full := range rooms {
			for key := range m.roomConns {
				if fullRoomName(key.ns, key.room) == full {
					m.roomConns[key].Delete(connectionID)
				}
			}
		}
		delete(m.connRooms, connectionID)
	}
	return nil
}

func (m *Memory) GetClientsByUser(_ context.Context, userID string) ([]ClientInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ClientInfo
	for id := range m.usersConns[userID] {
		if info, ok := m.clients[id]; ok {
			out = append(out, info)
		}
	}
	return out, nil
}

func (m *Memory) GetAllClients(_ context.Context) ([]ClientInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ClientInfo, 0, len(m.clients))
	for _, info := range m.clients {
		out = append(out, info)
	}
	return out, nil
}

func (m *Memory) AddUserToRoom(_ context.Context, ns, room, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := roomKey{ns, room}
	if m.roomConns[key] == nil {
		m.roomConns[key] = set.New[string]()
	}
	m.roomConns[key].Insert(connectionID)

	if m.connRooms[connectionID] == nil {
		m.connRooms[connectionID] = set.New[string]()
	}
	m.connRooms[connectionID].Insert(fullRoomName(ns, room))
	return nil
}

func (m *Memory) RemoveUserFromRoom(_ context.Context, ns, room, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := roomKey{ns, room}
	if s := m.roomConns[key]; s != nil {
		s.Delete(connectionID)
	}
	if s := m.connRooms[connectionID]; s != nil {
		s.Delete(fullRoomName(ns, room))
	}
	return nil
}

func (m *Memory) GetClientsInRoom(_ context.Context, ns, room string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := roomKey{ns, room}
	out := make([]string, 0, m.roomConns[key].Len())
	for id := range m.roomConns[key] {
		out = append(out, id)
	}
	return out, nil
}

func (m *Memory) GetUserRooms(_ context.Context, ns, connectionID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefix := ns + ":"
	var out []string
	for full := range m.connRooms[connectionID] {
		if len(full) > len(prefix) && full[:len(prefix)] == prefix {
			out = append(out, full[len(prefix):])
		}
	}
	return out, nil
}

func (m *Memory) IsMember(_ context.Context, ns, room, connectionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := roomKey{ns, room}
	return m.roomConns[key].Has(connectionID), nil
}

func (m *Memory) CountClientsInRoom(_ context.Context, ns, room string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.roomConns[roomKey{ns, room}].Len(), nil
}

func (m *Memory) ClearInstanceData(_ context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.instConns[instanceID]
	for id := range ids {
		info := m.clients[id]
		delete(m.clients, id)
		if s := m.usersConns[info.UserID]; s != nil {
			s.Delete(id)
		}
		if rooms := m.connRooms[id]; rooms != nil {
			for full := range rooms {
				for key := range m.roomConns {
					if fullRoomName(key.ns, key.room) == full {
						m.roomConns[key].Delete(id)
					}
				}
			}
			delete(m.connRooms, id)
		}
	}
	delete(m.instConns, instanceID)
	return nil
}

var _ StateStore = (*Memory)(nil)
