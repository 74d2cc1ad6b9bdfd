package cache

import "fmt"

// 键语义：
// - roomKey(roomID):            房间在线成员（ZSet<identity, expireAtUnix>，score=expireAt）
// - colorsKey(roomID):          房间内 identity→color 映射（Hash）
// - awarenessKey(roomID, id):   某成员最近一次 awareness（String，带 TTL）
// - MeetingDataChannel(roomID): 会议数据通道（Pub/Sub），控制面消息走这里

const (
	keyRoomPrefix   = "presence:room:"
	keyRoomFmt      = "presence:room:{roomID:%s}"         // ZSet<identity, expireAtUnix>
	keyColorsFmt    = "presence:room:colors:{roomID:%s}"  // Hash<identity -> color>
	keyAwarenessFmt = "presence:awareness:{roomID:%s}:%s" // String
	keyMeetingFmt   = "meeting:{%s}:data"                 // Pub/Sub channel
)

func roomKey(roomID string) string   { return fmt.Sprintf(keyRoomFmt, roomID) }
func colorsKey(roomID string) string { return fmt.Sprintf(keyColorsFmt, roomID) }
func awarenessKey(roomID, identity string) string {
	return fmt.Sprintf(keyAwarenessFmt, roomID, identity)
}

func MeetingDataChannel(roomID string) string { return fmt.Sprintf(keyMeetingFmt, roomID) }
