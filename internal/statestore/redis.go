package statestore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/clusterwire/fabric/internal/logging"
	"github.com/clusterwire/fabric/internal/metrics"
)

// Redis is a cluster-wide StateStore backed by a shared Redis instance,
// using the logical key layout from §6: ns:<name>, ns:<name>:rooms,
// ns:<name>:room:<room>:members, conn:<id>, user:<id>:conns,
// instance:<id>:conns. Every call is routed through a circuit breaker the
// way the teacher's bus.Service wraps its Redis client, so a prolonged
// outage fails fast and degrades gracefully instead of piling up retries.
type Redis struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

func NewRedis(client *redis.Client) *Redis {
	st := gobreaker.Settings{
		Name:        "statestore-redis",
		MaxRequests: 5,
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues("statestore").Set(breakerStateValue(to))
		},
	}
	return &Redis{client: client, cb: gobreaker.NewCircuitBreaker(st)}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

func nsKey(name string) string        { return fmt.Sprintf("ns:%s", name) }
func nsRoomsKey(name string) string   { return fmt.Sprintf("ns:%s:rooms", name) }
func roomMembersKey(ns, room string) string {
	return fmt.Sprintf("ns:%s:room:%s:members", ns, room)
}
func connKey(id string) string       { return fmt.Sprintf("conn:%s", id) }
func userConnsKey(id string) string  { return fmt.Sprintf("user:%s:conns", id) }
func instConnsKey(id string) string  { return fmt.Sprintf("instance:%s:conns", id) }

func (r *Redis) exec(ctx context.Context, op string, fn func() (any, error)) (any, error) {
	res, err := r.cb.Execute(fn)
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			logging.Warn(ctx, "statestore circuit breaker open, degrading", zap.String("op", op))
			return nil, err
		}
		return nil, err
	}
	return res, nil
}

func (r *Redis) AddNamespace(ctx context.Context, name string, meta NamespaceMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = r.exec(ctx, "add_namespace", func() (any, error) {
		return nil, r.client.Set(ctx, nsKey(name), raw, 0).Err()
	})
	return err
}

func (r *Redis) GetNamespace(ctx context.Context, name string) (NamespaceMeta, bool, error) {
	res, err := r.exec(ctx, "get_namespace", func() (any, error) {
		return r.client.Get(ctx, nsKey(name)).Result()
	})
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var meta NamespaceMeta
	if err := json.Unmarshal([]byte(res.(string)), &meta); err != nil {
		return nil, false, err
	}
	return meta, true, nil
}

func (r *Redis) ListNamespaces(ctx context.Context) ([]string, error) {
	res, err := r.exec(ctx, "list_namespaces", func() (any, error) {
		return r.client.Keys(ctx, "ns:*").Result()
	})
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range res.([]string) {
		if len(k) > 3 && k[:3] == "ns:" && !hasSuffix(k, ":rooms") {
			out = append(out, k[3:])
		}
	}
	return out, nil
}

func hasSuffix(s, suf string) bool {
	return len(s) >= len(suf) && s[len(s)-len(suf):] == suf
}

func (r *Redis) RemoveNamespace(ctx context.Context, name string) error {
	count, err := r.exec(ctx, "remove_namespace_count", func() (any, error) {
		return r.client.SCard(ctx, nsRoomsKey(name)).Result()
	})
	if err != nil && err != redis.Nil {
		return err
	}
	if n, _ := count.(int64); n > 0 {
		return fmt.Errorf("statestore: namespace %q is not empty", name)
	}
	_, err = r.exec(ctx, "remove_namespace", func() (any, error) {
		return nil, r.client.Del(ctx, nsKey(name), nsRoomsKey(name)).Err()
	})
	return err
}

func (r *Redis) AddRoom(ctx context.Context, ns, name string, meta RoomMeta) error {
	_, err := r.exec(ctx, "add_room", func() (any, error) {
		pipe := r.client.TxPipeline()
		pipe.SAdd(ctx, nsRoomsKey(ns), name)
		raw, _ := json.Marshal(meta)
		pipe.Set(ctx, fmt.Sprintf("ns:%s:room:%s:meta", ns, name), raw, 0)
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	return err
}

func (r *Redis) RemoveRoom(ctx context.Context, ns, name string) error {
	_, err := r.exec(ctx, "remove_room", func() (any, error) {
		pipe := r.client.TxPipeline()
		pipe.SRem(ctx, nsRoomsKey(ns), name)
		pipe.Del(ctx, roomMembersKey(ns, name), fmt.Sprintf("ns:%s:room:%s:meta", ns, name))
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	return err
}

func (r *Redis) GetRooms(ctx context.Context, ns string) ([]string, error) {
	res, err := r.exec(ctx, "get_rooms", func() (any, error) {
		return r.client.SMembers(ctx, nsRoomsKey(ns)).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

func (r *Redis) RoomExists(ctx context.Context, ns, name string) (bool, error) {
	res, err := r.exec(ctx, "room_exists", func() (any, error) {
		return r.client.SIsMember(ctx, nsRoomsKey(ns), name).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func (r *Redis) AddClient(ctx context.Context, info ClientInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	_, err = r.exec(ctx, "add_client", func() (any, error) {
		pipe := r.client.TxPipeline()
		pipe.Set(ctx, connKey(info.ConnectionID), raw, 0)
		pipe.SAdd(ctx, userConnsKey(info.UserID), info.ConnectionID)
		pipe.SAdd(ctx, instConnsKey(info.InstanceID), info.ConnectionID)
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	return err
}

func (r *Redis) RemoveClient(ctx context.Context, connectionID string) error {
	info, ok, err := r.getClient(ctx, connectionID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	_, err = r.exec(ctx, "remove_client", func() (any, error) {
		pipe := r.client.TxPipeline()
		pipe.Del(ctx, connKey(connectionID))
		pipe.SRem(ctx, userConnsKey(info.UserID), connectionID)
		pipe.SRem(ctx, instConnsKey(info.InstanceID), connectionID)
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	return err
}

func (r *Redis) getClient(ctx context.Context, connectionID string) (ClientInfo, bool, error) {
	res, err := r.exec(ctx, "get_client", func() (any, error) {
		return r.client.Get(ctx, connKey(connectionID)).Result()
	})
	if err == redis.Nil {
		return ClientInfo{}, false, nil
	}
	if err != nil {
		return ClientInfo{}, false, err
	}
	var info ClientInfo
	if err := json.Unmarshal([]byte(res.(string)), &info); err != nil {
		return ClientInfo{}, false, err
	}
	return info, true, nil
}

func (r *Redis) GetClientsByUser(ctx context.Context, userID string) ([]ClientInfo, error) {
	res, err := r.exec(ctx, "get_clients_by_user", func() (any, error) {
		return r.client.SMembers(ctx, userConnsKey(userID)).Result()
	})
	if err != nil {
		return nil, err
	}
	var out []ClientInfo
	for _, id := range res.([]string) {
		if info, ok, err := r.getClient(ctx, id); err == nil && ok {
			out = append(out, info)
		}
	}
	return out, nil
}

func (r *Redis) GetAllClients(ctx context.Context) ([]ClientInfo, error) {
	res, err := r.exec(ctx, "get_all_clients", func() (any, error) {
		return r.client.Keys(ctx, "conn:*").Result()
	})
	if err != nil {
		return nil, err
	}
	var out []ClientInfo
	for _, k := range res.([]string) {
		if info, ok, err := r.getClient(ctx, k[len("conn:"):]); err == nil && ok {
			out = append(out, info)
		}
	}
	return out, nil
}

func (r *Redis) AddUserToRoom(ctx context.Context, ns, room, connectionID string) error {
	_, err := r.exec(ctx, "add_user_to_room", func() (any, error) {
		return nil, r.client.SAdd(ctx, roomMembersKey(ns, room), connectionID).Err()
	})
	return err
}

func (r *Redis) RemoveUserFromRoom(ctx context.Context, ns, room, connectionID string) error {
	_, err := r.exec(ctx, "remove_user_from_room", func() (any, error) {
		return nil, r.client.SRem(ctx, roomMembersKey(ns, room), connectionID).Err()
	})
	return err
}

func (r *Redis) GetClientsInRoom(ctx context.Context, ns, room string) ([]string, error) {
	res, err := r.exec(ctx, "get_clients_in_room", func() (any, error) {
		return r.client.SMembers(ctx, roomMembersKey(ns, room)).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

func (r *Redis) GetUserRooms(ctx context.Context, ns, connectionID string) ([]string, error) {
	rooms, err := r.GetRooms(ctx, ns)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, room := range rooms {
		member, err := r.IsMember(ctx, ns, room, connectionID)
		if err != nil {
			return nil, err
		}
		if member {
			out = append(out, room)
		}
	}
	return out, nil
}

func (r *Redis) IsMember(ctx context.Context, ns, room, connectionID string) (bool, error) {
	res, err := r.exec(ctx, "is_member", func() (any, error) {
		return r.client.SIsMember(ctx, roomMembersKey(ns, room), connectionID).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func (r *Redis) CountClientsInRoom(ctx context.Context, ns, room string) (int, error) {
	res, err := r.exec(ctx, "count_clients_in_room", func() (any, error) {
		return r.client.SCard(ctx, roomMembersKey(ns, room)).Result()
	})
	if err != nil {
		return 0, err
	}
	return int(res.(int64)), nil
}

// ClearInstanceData idempotently purges every connection row tagged with
// instanceID. Safe to call repeatedly (e.g. a crash-recovery sweep).
func (r *Redis) ClearInstanceData(ctx context.Context, instanceID string) error {
	ids, err := r.exec(ctx, "clear_instance_data", func() (any, error) {
		return r.client.SMembers(ctx, instConnsKey(instanceID)).Result()
	})
	if err != nil {
		return err
	}
	memberKeys, err := r.exec(ctx, "clear_instance_data_rooms", func() (any, error) {
		return r.client.Keys(ctx, "ns:*:room:*:members").Result()
	})
	if err != nil {
		return err
	}
	for _, id := range ids.([]string) {
		for _, key := range memberKeys.([]string) {
			if _, err := r.exec(ctx, "clear_instance_data_membership", func() (any, error) {
				return nil, r.client.SRem(ctx, key, id).Err()
			}); err != nil {
				logging.Error(ctx, "failed to remove room membership during instance cleanup", zap.Error(err))
			}
		}
		if err := r.RemoveClient(ctx, id); err != nil {
			logging.Error(ctx, "failed to remove client during instance cleanup", zap.Error(err))
		}
	}
	_, err = r.exec(ctx, "clear_instance_data_del", func() (any, error) {
		return nil, r.client.Del(ctx, instConnsKey(instanceID)).Err()
	})
	return err
}

var _ StateStore = (*Redis)(nil)
