package session

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache mirrors who is on which document into redis, so presence
// survives a server restart and can be shared when the gateway is sharded by
// document id. Liveness is expressed as a logical TTL: the ZSET score is the
// expiry unix time, refreshed on every heartbeat.
type PresenceCache struct {
	rdb *redis.Client
}

func NewPresenceCache(rdb *redis.Client) *PresenceCache {
	return &PresenceCache{rdb: rdb}
}

// Member is one presence record as stored in redis.
type Member struct {
	SessionID string `json:"session_id"`
	UserName  string `json:"user_name"`
}

func roomKey(documentID string) string  { return "presence:room:" + documentID }
func namesKey(documentID string) string { return "presence:names:" + documentID }
func cursorKey(documentID, sessionID string) string {
	return "presence:cursor:" + documentID + ":" + sessionID
}

// Add registers or refreshes a session on a document.
func (p *PresenceCache) Add(ctx context.Context, documentID, sessionID, userName string, ttl time.Duration) error {
	expireAt := time.Now().Add(ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(documentID), redis.Z{Score: float64(expireAt), Member: sessionID})
	tx.HSet(ctx, namesKey(documentID), sessionID, userName)
	_, err := tx.Exec(ctx)
	return err
}

// Remove drops a session from a document.
func (p *PresenceCache) Remove(ctx context.Context, documentID, sessionID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(documentID), sessionID)
	tx.HDel(ctx, namesKey(documentID), sessionID)
	tx.Del(ctx, cursorKey(documentID, sessionID))
	_, err := tx.Exec(ctx)
	return err
}

// SetCursor stores the last presence payload for a session.
func (p *PresenceCache) SetCursor(ctx context.Context, documentID, sessionID string, update PresenceUpdate, ttl time.Duration) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return err
	}
	return p.rdb.Set(ctx, cursorKey(documentID, sessionID), payload, ttl).Err()
}

// Alive returns sessions whose logical TTL has not elapsed, pruning expired
// entries as a side effect.
func (p *PresenceCache) Alive(ctx context.Context, documentID string) ([]Member, error) {
	now := time.Now().Unix()

	// prune and read atomically; expired members are removed from both the
	// room ZSET and the name table
	script := redis.NewScript(`
		local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
		if #expired > 0 then
			redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
			redis.call("HDEL", KEYS[2], unpack(expired))
		end
		return redis.call("ZRANGEBYSCORE", KEYS[1], "(" .. ARGV[1], "+inf")
	`)
	ids, err := script.Run(ctx, p.rdb, []string{roomKey(documentID), namesKey(documentID)}, now).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	fields := make([]string, len(ids))
	copy(fields, ids)
	names, err := p.rdb.HMGet(ctx, namesKey(documentID), fields...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]Member, 0, len(ids))
	for i, id := range ids {
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, Member{SessionID: id, UserName: name})
	}
	return members, nil
}
