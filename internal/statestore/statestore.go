// Package statestore defines the cluster-wide authoritative membership
// store described in §4.B of the fabric design: namespace catalogue, room
// catalogue per namespace, client catalogue, and room/user membership
// indexes. Implementations must give set semantics to memberships (a
// repeated add is a no-op) and atomic per-key mutation.
package statestore

import "context"

// NamespaceMeta is opaque metadata describing a namespace; the fabric
// itself only ever stores and returns it, it never inspects it.
type NamespaceMeta map[string]string

// RoomMeta is opaque metadata describing a room (e.g. persistence flag).
type RoomMeta struct {
	Persistent bool
}

// ClientInfo is the authoritative record of one connection, keyed by
// ConnectionID. InstanceID identifies the server instance that owns the
// socket; only that instance ever removes the row (§3 Ownership).
type ClientInfo struct {
	ConnectionID string
	InstanceID   string
	Namespace    string
	UserID       string
	DisplayName  string
}

// StateStore is the authoritative, cluster-wide membership store. All
// operations return an error; failures are retryable by the caller unless
// documented otherwise. Reads are monotonic within one instance only;
// cross-instance reads are eventually consistent, so fan-out must never
// rely on the StateStore as the delivery path (that is the Broker's job).
type StateStore interface {
	AddNamespace(ctx context.Context, name string, meta NamespaceMeta) error
	GetNamespace(ctx context.Context, name string) (NamespaceMeta, bool, error)
	ListNamespaces(ctx context.Context) ([]string, error)
	// RemoveNamespace is non-retryable if the namespace still has rooms.
	RemoveNamespace(ctx context.Context, name string) error

	AddRoom(ctx context.Context, ns, name string, meta RoomMeta) error
	RemoveRoom(ctx context.Context, ns, name string) error
	GetRooms(ctx context.Context, ns string) ([]string, error)
	RoomExists(ctx context.Context, ns, name string) (bool, error)

	AddClient(ctx context.Context, info ClientInfo) error
	RemoveClient(ctx context.Context, connectionID string) error
	GetClientsByUser(ctx context.Context, userID string) ([]ClientInfo, error)
	GetAllClients(ctx context.Context) ([]ClientInfo, error)

	AddUserToRoom(ctx context.Context, ns, room, connectionID string) error
	RemoveUserFromRoom(ctx context.Context, ns, room, connectionID string) error
	GetClientsInRoom(ctx context.Context, ns, room string) ([]string, error)
	GetUserRooms(ctx context.Context, ns, connectionID string) ([]string, error)
	IsMember(ctx context.Context, ns, room, connectionID string) (bool, error)
	CountClientsInRoom(ctx context.Context, ns, room string) (int, error)

	// ClearInstanceData idempotently purges every row tagged with
	// instanceID. Used at graceful shutdown and as a TTL-driven recovery
	// action for crashed instances.
	ClearInstanceData(ctx context.Context, instanceID string) error
}
