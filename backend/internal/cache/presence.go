package cache

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache relay 侧的在线成员镜像，供 HTTP 查询和多实例共享
type PresenceCache interface {
	AddMember(ctx context.Context, roomID, identity, color string, ttl time.Duration) error
	RemoveMember(ctx context.Context, roomID, identity string) error
	GetRooms(ctx context.Context) ([]string, error)
	GetAliveMembers(ctx context.Context, roomID string) ([]Member, error)
	SetAwareness(ctx context.Context, roomID, identity string, jsonData []byte, ttl time.Duration) error
	GetAwareness(ctx context.Context, roomID, identity string) ([]byte, error)
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb *redis.Client
}

type Member struct {
	Identity string `json:"identity"`
	Color    string `json:"color"`
}

func NewRedisPresence(rdb *redis.Client) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, roomID, identity, color string, ttl time.Duration) error {
	// 刷新TTL也直接调用AddMember即可
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），用于表达“逻辑 TTL”
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(roomID), redis.Z{Score: float64(expireAt), Member: identity})
	tx.HSet(ctx, colorsKey(roomID), identity, color)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, roomID, identity string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(roomID), identity)
	tx.HDel(ctx, colorsKey(roomID), identity)
	tx.Del(ctx, awarenessKey(roomID, identity))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) GetRooms(ctx context.Context) ([]string, error) {
	var rooms []string
	iter := p.rdb.Scan(ctx, 0, keyRoomPrefix+"{roomID:*", 0).Iterator()
	for iter.Next(ctx) {
		// presence:room:{roomID:xxx} -> xxx
		k := strings.TrimPrefix(iter.Val(), keyRoomPrefix+"{roomID:")
		roomID := strings.TrimSuffix(k, "}")
		if roomID != "" {
			rooms = append(rooms, roomID)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (p *redisPresence) SetAwareness(ctx context.Context, roomID, identity string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, awarenessKey(roomID, identity), jsonData, ttl).Err()
}

// GetAwareness 不存在时返回 (nil, nil)
func (p *redisPresence) GetAwareness(ctx context.Context, roomID, identity string) ([]byte, error) {
	b, err := p.rdb.Get(ctx, awarenessKey(roomID, identity)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// 清理过期成员，顺带把名字表里的对应项删掉
const cleanupScript = `
-- KEYS[1] = roomKey(roomID)    e.g. presence:room:{roomID:xxx}
-- KEYS[2] = colorsKey(roomID)  e.g. presence:room:colors:{roomID:xxx}
-- ARGV[1] = now (unix seconds)

local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`

var cleanup = redis.NewScript(cleanupScript)

func (p *redisPresence) GetAliveMembers(ctx context.Context, roomID string) ([]Member, error) {
	// step1: 清理过期成员
	// 约定：score=expireAt（Unix 秒），expireAt <= now 视为过期
	now := time.Now().Unix()
	if _, err := cleanup.Run(ctx, p.rdb, []string{roomKey(roomID), colorsKey(roomID)}, now).Int(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	// step2: 查询在线成员（按过期时间排序）
	alive, err := p.rdb.ZRangeByScore(ctx, roomKey(roomID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(alive) == 0 {
		return nil, nil
	}

	// step3: 批量获取颜色
	colors, err := p.rdb.HMGet(ctx, colorsKey(roomID), alive...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]Member, 0, len(alive))
	for i, id := range alive {
		color := ""
		if i < len(colors) && colors[i] != nil {
			color, _ = colors[i].(string)
		}
		members = append(members, Member{Identity: id, Color: color})
	}
	return members, nil
}
