package pkg

import (
	"fmt"

	"github.com/xiaoxuxiansheng/redis_lock"
)

func NewRedisClient(network, address, password string) *redis_lock.Client {
	return redis_lock.NewClient(network, address, password)
}

// 分支状态 key
func BuildBranchKey(queue, xidKey string) string {
	return fmt.Sprintf("xaBranchKey:%s:%s", queue, xidKey)
}

// 分支上暂存、尚未投递的消息
func BuildBranchDataKey(queue, xidKey string) string {
	return fmt.Sprintf("xaBranchDataKey:%s:%s", queue, xidKey)
}

// 分支锁 key
func BuildBranchLockKey(queue, xidKey string) string {
	return fmt.Sprintf("xaBranchLockKey:%s:%s", queue, xidKey)
}

// 已投递的消息
func BuildMessageKey(queue, messageID string) string {
	return fmt.Sprintf("xaMessageKey:%s:%s", queue, messageID)
}

// 处于 prepared 状态的分支索引，用于 recover
func BuildPreparedIndexKey(queue string) string {
	return fmt.Sprintf("xaPreparedIndexKey:%s", queue)
}

// 索引锁 key
func BuildPreparedIndexLockKey(queue string) string {
	return fmt.Sprintf("xaPreparedIndexLockKey:%s", queue)
}
