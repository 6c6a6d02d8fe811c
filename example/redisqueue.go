package example

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/xiaoxuxiansheng/redis_lock"

	"github.com/xiaoxuxiansheng/goxa"
	"github.com/xiaoxuxiansheng/goxa/example/pkg"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

const RedisQueueImplementation = "redis-queue"

// 队列侧记录的一个分支的状态
type BranchStatus string

func (b BranchStatus) String() string {
	return string(b)
}

const (
	BranchActive       BranchStatus = "active"       // 执行中，可以暂存消息
	BranchIdle         BranchStatus = "idle"         // 已 end
	BranchRollbackOnly BranchStatus = "rollbackonly" // 以失败结束，只能回滚
	BranchPrepared     BranchStatus = "prepared"     // 已 prepare
	BranchCommitted    BranchStatus = "committed"    // 消息已投递
	BranchRolledBack   BranchStatus = "rolledback"   // 暂存的消息已丢弃
)

var (
	ErrDuplicateXid = errors.New("redis queue: duplicate xid")
	ErrRollbackOnly = errors.New("redis queue: branch marked rollback only")
)

// RedisQueueManager 基于 redis 的事务性消息队列：
// 分支内的消息先暂存，commit 时才投递；prepared 分支记录在索引中供 recover 查询.
type RedisQueueManager struct {
	queue             string
	client            *redis_lock.Client
	lockExpireSeconds int64
}

func NewRedisQueueManager(queue string, client *redis_lock.Client) *RedisQueueManager {
	return &RedisQueueManager{
		queue:             queue,
		client:            client,
		lockExpireSeconds: 10,
	}
}

// NewRedisQueueConnector redis 客户端自带连接池，复用同一个资源管理器即可
func NewRedisQueueConnector(manager *RedisQueueManager) goxa.Connector {
	return goxa.ConnectorFunc(func(ctx context.Context) (xa.ResourceManager, error) {
		return manager, nil
	})
}

func (r *RedisQueueManager) Descriptor() xa.Descriptor {
	return xa.Descriptor{
		Implementation: RedisQueueImplementation,
		Instance:       r.queue,
	}
}

func (r *RedisQueueManager) IsSameRM(other xa.ResourceManager) (bool, error) {
	o, ok := other.(*RedisQueueManager)
	if !ok {
		return false, nil
	}
	if o == r {
		if _, err := r.client.Get(context.Background(), pkg.BuildPreparedIndexKey(r.queue)); err != nil && !errors.Is(err, redis_lock.ErrNil) {
			return false, err
		}
		return true, nil
	}
	return o.queue == r.queue && o.client == r.client, nil
}

// 基于 xid 维度加锁
func (r *RedisQueueManager) lockBranch(ctx context.Context, xid xa.Xid) (func(), error) {
	lock := redis_lock.NewRedisLock(pkg.BuildBranchLockKey(r.queue, xid.Key()), r.client, redis_lock.WithExpireSeconds(r.lockExpireSeconds))
	if err := lock.Lock(ctx); err != nil {
		return nil, err
	}
	return func() {
		_ = lock.Unlock(ctx)
	}, nil
}

func (r *RedisQueueManager) status(ctx context.Context, xid xa.Xid) (BranchStatus, error) {
	status, err := r.client.Get(ctx, pkg.BuildBranchKey(r.queue, xid.Key()))
	if errors.Is(err, redis_lock.ErrNil) {
		return "", nil
	}
	return BranchStatus(status), err
}

func (r *RedisQueueManager) setStatus(ctx context.Context, xid xa.Xid, status BranchStatus) error {
	_, err := r.client.Set(ctx, pkg.BuildBranchKey(r.queue, xid.Key()), status.String())
	return err
}

func (r *RedisQueueManager) Start(ctx context.Context, xid xa.Xid, flags xa.Flags) error {
	unlock, err := r.lockBranch(ctx, xid)
	if err != nil {
		return err
	}
	defer unlock()

	if flags&(xa.TMJoin|xa.TMResume) != 0 {
		status, err := r.status(ctx, xid)
		if err != nil {
			return err
		}
		if status != BranchIdle && status != BranchActive {
			return fmt.Errorf("redis queue: cannot join branch %s in status %q", xid, status)
		}
		return r.setStatus(ctx, xid, BranchActive)
	}

	// 要求必须从零到一创建分支
	reply, err := r.client.SetNX(ctx, pkg.BuildBranchKey(r.queue, xid.Key()), BranchActive.String())
	if err != nil {
		return err
	}
	if reply != 1 {
		return fmt.Errorf("%w: %s", ErrDuplicateXid, xid)
	}
	return nil
}

func (r *RedisQueueManager) End(ctx context.Context, xid xa.Xid, flags xa.Flags) error {
	unlock, err := r.lockBranch(ctx, xid)
	if err != nil {
		return err
	}
	defer unlock()

	status, err := r.status(ctx, xid)
	if err != nil {
		return err
	}
	if status != BranchActive {
		return fmt.Errorf("redis queue: cannot end branch %s in status %q", xid, status)
	}
	if flags&xa.TMFail != 0 {
		return r.setStatus(ctx, xid, BranchRollbackOnly)
	}
	return r.setStatus(ctx, xid, BranchIdle)
}

// Enqueue 在分支内暂存一条消息，分支提交后才对消费者可见
func (r *RedisQueueManager) Enqueue(ctx context.Context, xid xa.Xid, payload string) error {
	unlock, err := r.lockBranch(ctx, xid)
	if err != nil {
		return err
	}
	defer unlock()

	status, err := r.status(ctx, xid)
	if err != nil {
		return err
	}
	if status != BranchActive {
		return fmt.Errorf("redis queue: cannot enqueue into branch %s in status %q", xid, status)
	}

	messages, err := r.messages(ctx, xid)
	if err != nil {
		return err
	}
	body, _ := json.Marshal(append(messages, payload))
	_, err = r.client.Set(ctx, pkg.BuildBranchDataKey(r.queue, xid.Key()), string(body))
	return err
}

func (r *RedisQueueManager) messages(ctx context.Context, xid xa.Xid) ([]string, error) {
	body, err := r.client.Get(ctx, pkg.BuildBranchDataKey(r.queue, xid.Key()))
	if errors.Is(err, redis_lock.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var messages []string
	if err := json.Unmarshal([]byte(body), &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// Prepare 没有暂存消息的分支投只读票
func (r *RedisQueueManager) Prepare(ctx context.Context, xid xa.Xid) (xa.Vote, error) {
	unlock, err := r.lockBranch(ctx, xid)
	if err != nil {
		return xa.VoteOK, err
	}
	defer unlock()

	status, err := r.status(ctx, xid)
	if err != nil {
		return xa.VoteOK, err
	}
	switch status {
	case BranchIdle:
	case BranchRollbackOnly:
		return xa.VoteOK, fmt.Errorf("%w: %s", ErrRollbackOnly, xid)
	default:
		return xa.VoteOK, fmt.Errorf("redis queue: cannot prepare branch %s in status %q", xid, status)
	}

	messages, err := r.messages(ctx, xid)
	if err != nil {
		return xa.VoteOK, err
	}
	if len(messages) == 0 {
		return xa.VoteReadOnly, r.client.Del(ctx, pkg.BuildBranchKey(r.queue, xid.Key()))
	}

	// 先进索引再改状态，崩溃后 recover 至少能看到该分支
	if err := r.updateIndex(ctx, func(index map[string]xa.Xid) {
		index[xid.Key()] = xid
	}); err != nil {
		return xa.VoteOK, err
	}
	return xa.VoteOK, r.setStatus(ctx, xid, BranchPrepared)
}

func (r *RedisQueueManager) Commit(ctx context.Context, xid xa.Xid, onePhase bool) error {
	unlock, err := r.lockBranch(ctx, xid)
	if err != nil {
		return err
	}
	defer unlock()

	status, err := r.status(ctx, xid)
	if err != nil {
		return err
	}
	switch {
	case status == BranchCommitted:
		return nil
	case onePhase && status == BranchIdle, !onePhase && status == BranchPrepared:
	default:
		return fmt.Errorf("redis queue: cannot commit branch %s in status %q", xid, status)
	}

	messages, err := r.messages(ctx, xid)
	if err != nil {
		return err
	}
	// 投递消息
	for _, message := range messages {
		if _, err := r.client.SetNX(ctx, pkg.BuildMessageKey(r.queue, uuid.NewString()), message); err != nil {
			return err
		}
	}

	if err := r.setStatus(ctx, xid, BranchCommitted); err != nil {
		return err
	}
	_ = r.client.Del(ctx, pkg.BuildBranchDataKey(r.queue, xid.Key()))
	return r.removeFromIndex(ctx, xid)
}

func (r *RedisQueueManager) Rollback(ctx context.Context, xid xa.Xid) error {
	unlock, err := r.lockBranch(ctx, xid)
	if err != nil {
		return err
	}
	defer unlock()

	status, err := r.status(ctx, xid)
	if err != nil {
		return err
	}
	// 先 commit 后 rollback，属于非法的状态扭转
	if status == BranchCommitted {
		return fmt.Errorf("redis queue: cannot rollback committed branch %s", xid)
	}

	if err := r.client.Del(ctx, pkg.BuildBranchDataKey(r.queue, xid.Key())); err != nil {
		return err
	}
	if err := r.setStatus(ctx, xid, BranchRolledBack); err != nil {
		return err
	}
	return r.removeFromIndex(ctx, xid)
}

func (r *RedisQueueManager) Forget(ctx context.Context, xid xa.Xid) error {
	return r.client.Del(ctx, pkg.BuildBranchKey(r.queue, xid.Key()))
}

// Recover 索引一次读出，只在开始扫描时返回
func (r *RedisQueueManager) Recover(ctx context.Context, flags xa.Flags) ([]xa.Xid, error) {
	if flags&xa.TMStartRScan == 0 {
		return nil, nil
	}
	index, err := r.index(ctx)
	if err != nil {
		return nil, err
	}
	if len(index) == 0 {
		return nil, xa.ErrNoRecoverableXids
	}
	xids := make([]xa.Xid, 0, len(index))
	for _, xid := range index {
		xids = append(xids, xid)
	}
	return xids, nil
}

func (r *RedisQueueManager) index(ctx context.Context) (map[string]xa.Xid, error) {
	body, err := r.client.Get(ctx, pkg.BuildPreparedIndexKey(r.queue))
	if errors.Is(err, redis_lock.ErrNil) {
		return make(map[string]xa.Xid), nil
	}
	if err != nil {
		return nil, err
	}
	index := make(map[string]xa.Xid)
	if err := json.Unmarshal([]byte(body), &index); err != nil {
		return nil, err
	}
	return index, nil
}

func (r *RedisQueueManager) updateIndex(ctx context.Context, update func(index map[string]xa.Xid)) error {
	lock := redis_lock.NewRedisLock(pkg.BuildPreparedIndexLockKey(r.queue), r.client, redis_lock.WithExpireSeconds(r.lockExpireSeconds))
	if err := lock.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		_ = lock.Unlock(ctx)
	}()

	index, err := r.index(ctx)
	if err != nil {
		return err
	}
	update(index)
	body, _ := json.Marshal(index)
	_, err = r.client.Set(ctx, pkg.BuildPreparedIndexKey(r.queue), string(body))
	return err
}

func (r *RedisQueueManager) removeFromIndex(ctx context.Context, xid xa.Xid) error {
	return r.updateIndex(ctx, func(index map[string]xa.Xid) {
		delete(index, xid.Key())
	})
}
