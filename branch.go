package goxa

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/persistence"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// ResourceBranch 全局事务在一个资源上的分支.
// 每次状态迁移之前先经过状态日志：prepared / committing 落盘，终态删除.
type ResourceBranch struct {
	mux             sync.Mutex
	resourceName    string
	xid             xa.Xid
	state           persistence.TxState
	rm              xa.ResourceManager
	coordinator     *ResourceCoordinator
	recoveryManager persistence.StateRecoveryManager
}

func newResourceBranch(resourceName string, xid xa.Xid, state persistence.TxState) *ResourceBranch {
	return &ResourceBranch{
		resourceName: resourceName,
		xid:          xid,
		state:        state,
	}
}

// RestoreResourceBranch 从日志快照还原分支，还原出的分支需要经过协调器认领才能再次访问资源管理器
func RestoreResourceBranch(img *persistence.StateImage) (persistence.Recoverable, error) {
	var image branchImage
	if err := json.Unmarshal(img.Data, &image); err != nil {
		return nil, fmt.Errorf("decode branch image %s: %w", img.ID, err)
	}
	if err := image.Xid.Validate(); err != nil {
		return nil, err
	}
	if image.ResourceName == "" {
		return nil, fmt.Errorf("branch image %s has no resource name", img.ID)
	}

	state := image.State
	if img.State != "" {
		state = img.State
	}
	return newResourceBranch(image.ResourceName, image.Xid, state), nil
}

func (b *ResourceBranch) ParticipantID() string {
	return b.xid.Key()
}

func (b *ResourceBranch) RecoverableStates() []persistence.TxState {
	return recoverableBranchStates
}

func (b *ResourceBranch) FinalStates() []persistence.TxState {
	return finalBranchStates
}

func (b *ResourceBranch) ObjectImage(state persistence.TxState) ([]byte, error) {
	return json.Marshal(&branchImage{
		ResourceName: b.resourceName,
		Xid:          b.xid,
		State:        state,
	})
}

func (b *ResourceBranch) Xid() xa.Xid {
	return b.xid
}

func (b *ResourceBranch) ResourceName() string {
	return b.resourceName
}

func (b *ResourceBranch) State() persistence.TxState {
	b.mux.Lock()
	defer b.mux.Unlock()
	return b.state
}

func (b *ResourceBranch) String() string {
	return fmt.Sprintf("%s@%s", b.xid, b.resourceName)
}

func (b *ResourceBranch) attach(coordinator *ResourceCoordinator, rm xa.ResourceManager) {
	b.mux.Lock()
	defer b.mux.Unlock()
	b.coordinator = coordinator
	b.rm = rm
}

func (b *ResourceBranch) attached() bool {
	b.mux.Lock()
	defer b.mux.Unlock()
	return b.rm != nil || b.coordinator != nil
}

func (b *ResourceBranch) setRecoveryManager(manager persistence.StateRecoveryManager) {
	b.mux.Lock()
	defer b.mux.Unlock()
	b.recoveryManager = manager
}

// 调用方持有 mux
func (b *ResourceBranch) resource(ctx context.Context) (xa.ResourceManager, error) {
	if b.rm != nil {
		return b.rm, nil
	}
	if b.coordinator == nil {
		return nil, fmt.Errorf("%w: branch %s is not attached to any resource", xa.ErrIllegalState, b)
	}
	rm, err := b.coordinator.XAResource(ctx)
	if err != nil {
		return nil, err
	}
	if rm == nil {
		return nil, fmt.Errorf("%w: no XAResource available for %s", xa.ErrResource, b.resourceName)
	}
	b.rm = rm
	return rm, nil
}

// 调用方持有 mux. 先落盘，成功后才修改内存中的状态
func (b *ResourceBranch) transition(ctx context.Context, next persistence.TxState) error {
	if b.recoveryManager != nil {
		if err := b.recoveryManager.Persist(ctx, b, next); err != nil {
			return err
		}
	}
	log.DebugContextf(ctx, "branch %s: %s -> %s", b, b.state, next)
	b.state = next
	if isFinalBranchState(next) && b.coordinator != nil {
		b.coordinator.releaseBranch(b)
	}
	return nil
}

func (b *ResourceBranch) illegal(op string) error {
	return fmt.Errorf("%w: cannot %s branch %s in state %s", xa.ErrIllegalState, op, b, b.state)
}

// Start 开启分支，同一个根事务下的兄弟事务再次进入时以 TMJOIN 加入
func (b *ResourceBranch) Start(ctx context.Context) error {
	b.mux.Lock()
	defer b.mux.Unlock()

	var flags xa.Flags
	switch b.state {
	case BranchActive:
		return nil
	case BranchInitial:
		flags = xa.TMNoFlags
	case BranchIdle:
		flags = xa.TMJoin
	default:
		return b.illegal("start")
	}

	rm, err := b.resource(ctx)
	if err != nil {
		return err
	}
	if err := rm.Start(ctx, b.xid, flags); err != nil {
		return err
	}
	return b.transition(ctx, BranchActive)
}

// End 结束分支上的工作，success 为 false 时资源管理器可以直接把分支标记为只能回滚
func (b *ResourceBranch) End(ctx context.Context, success bool) error {
	b.mux.Lock()
	defer b.mux.Unlock()
	return b.end(ctx, success)
}

func (b *ResourceBranch) end(ctx context.Context, success bool) error {
	switch b.state {
	case BranchIdle:
		return nil
	case BranchActive:
	default:
		return b.illegal("end")
	}

	rm, err := b.resource(ctx)
	if err != nil {
		return err
	}
	flags := xa.TMSuccess
	if !success {
		flags = xa.TMFail
	}
	if err := rm.End(ctx, b.xid, flags); err != nil {
		return err
	}
	return b.transition(ctx, BranchIdle)
}

// Prepare 第一阶段. 只读分支直接终结，不需要第二阶段
func (b *ResourceBranch) Prepare(ctx context.Context) (xa.Vote, error) {
	b.mux.Lock()
	defer b.mux.Unlock()

	if b.state == BranchActive {
		if err := b.end(ctx, true); err != nil {
			return xa.VoteOK, err
		}
	}
	if b.state != BranchIdle {
		return xa.VoteOK, b.illegal("prepare")
	}

	rm, err := b.resource(ctx)
	if err != nil {
		return xa.VoteOK, err
	}
	vote, err := rm.Prepare(ctx, b.xid)
	if err != nil {
		return xa.VoteOK, err
	}
	if vote == xa.VoteReadOnly {
		return vote, b.transition(ctx, BranchTerminated)
	}
	return vote, b.transition(ctx, BranchPrepared)
}

// Commit 第二阶段提交. onePhase 为 true 时跳过 prepare
func (b *ResourceBranch) Commit(ctx context.Context, onePhase bool) error {
	b.mux.Lock()
	defer b.mux.Unlock()

	if b.state == BranchCommitted {
		return nil
	}

	if onePhase {
		if b.state == BranchActive {
			if err := b.end(ctx, true); err != nil {
				return err
			}
		}
		if b.state != BranchIdle {
			return b.illegal("one-phase commit")
		}
	} else {
		switch b.state {
		case BranchPrepared:
			// 提交决定先落盘，崩溃后恢复流程会继续提交
			if err := b.transition(ctx, BranchCommitting); err != nil {
				return err
			}
		case BranchCommitting:
		default:
			return b.illegal("commit")
		}
	}

	rm, err := b.resource(ctx)
	if err != nil {
		return err
	}
	if err := rm.Commit(ctx, b.xid, onePhase); err != nil {
		return err
	}
	return b.transition(ctx, BranchCommitted)
}

// Rollback 回滚分支，尚未在资源管理器上开启的分支直接终结
func (b *ResourceBranch) Rollback(ctx context.Context) error {
	b.mux.Lock()
	defer b.mux.Unlock()

	switch b.state {
	case BranchAborted:
		return nil
	case BranchInitial:
		return b.transition(ctx, BranchAborted)
	case BranchActive:
		if err := b.end(ctx, false); err != nil {
			log.WarnContextf(ctx, "branch %s: end before rollback failed, err: %v", b, err)
		}
	case BranchIdle, BranchPrepared:
	default:
		return b.illegal("rollback")
	}

	rm, err := b.resource(ctx)
	if err != nil {
		return err
	}
	if err := rm.Rollback(ctx, b.xid); err != nil {
		return err
	}
	return b.transition(ctx, BranchAborted)
}

// Forget 让资源管理器丢弃启发式完成的分支
func (b *ResourceBranch) Forget(ctx context.Context) error {
	b.mux.Lock()
	defer b.mux.Unlock()

	if b.state == BranchTerminated {
		return nil
	}

	rm, err := b.resource(ctx)
	if err != nil {
		return err
	}
	if err := rm.Forget(ctx, b.xid); err != nil {
		return err
	}
	return b.transition(ctx, BranchTerminated)
}

// 资源管理器已经不再持有该分支，只需要清理本地日志
func (b *ResourceBranch) terminate(ctx context.Context) error {
	b.mux.Lock()
	defer b.mux.Unlock()
	if isFinalBranchState(b.state) {
		return nil
	}
	return b.transition(ctx, BranchTerminated)
}
