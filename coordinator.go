package goxa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/persistence"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// Connector 获取一个新的资源管理器连接.
// 返回 nil, nil 表示当前拿不到连接，协调器会在下次访问时重试.
type Connector interface {
	Connect(ctx context.Context) (xa.ResourceManager, error)
}

// ConnectorFunc 函数适配
type ConnectorFunc func(ctx context.Context) (xa.ResourceManager, error)

func (f ConnectorFunc) Connect(ctx context.Context) (xa.ResourceManager, error) {
	return f(ctx)
}

// RecoveryDriver 协调器向上依赖的恢复服务
type RecoveryDriver interface {
	// 分支标识，所有由本服务创建的 xid 的 bqual 都以它为前缀
	Name() string
	// 执行一轮完整的恢复
	Recover(ctx context.Context) error
}

// ResourceCoordinator 一个具名资源的协调器：
// 1. 管理资源管理器连接的缓存与刷新
// 2. 为每个根事务维护唯一的分支
// 3. 在恢复流程中认领 / 推定回滚 in-doubt 分支
type ResourceCoordinator struct {
	name      string
	connector Connector
	opts      *Options
	closed    atomic.Bool

	connMux sync.Mutex
	rm      xa.ResourceManager

	siblingMux sync.Mutex
	siblings   map[string]*siblingMapper

	idMux            sync.RWMutex
	branchIdentifier string

	recoveryMux sync.Mutex
	scan        *recoveryScan

	// 本进程创建、尚未到达终态的分支
	liveMux sync.Mutex
	live    map[string]*ResourceBranch

	metrics *coordinatorMetrics
}

func NewResourceCoordinator(name string, connector Connector, opts ...Option) (*ResourceCoordinator, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty resource name", xa.ErrConfiguration)
	}
	if len(name) > xa.MaxResourceNameSize {
		return nil, fmt.Errorf("%w: resource name %q exceeds %d bytes", xa.ErrConfiguration, name, xa.MaxResourceNameSize)
	}
	if connector == nil {
		return nil, fmt.Errorf("%w: nil connector for resource %s", xa.ErrConfiguration, name)
	}

	c := ResourceCoordinator{
		name:      name,
		connector: connector,
		opts:      &Options{},
		siblings:  make(map[string]*siblingMapper),
		scan:      newRecoveryScan(),
		live:      make(map[string]*ResourceBranch),
		metrics:   newCoordinatorMetrics(),
	}

	for _, opt := range opts {
		opt(c.opts)
	}

	repair(name, c.opts)
	return &c, nil
}

func (c *ResourceCoordinator) Name() string {
	return c.name
}

// IsSameRM 同名的协调器视为同一个资源
func (c *ResourceCoordinator) IsSameRM(other *ResourceCoordinator) bool {
	if other == nil {
		return false
	}
	return c.name == other.name
}

func (c *ResourceCoordinator) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	log.Infof("resource %s closed", c.name)
	return nil
}

func (c *ResourceCoordinator) IsClosed() bool {
	return c.closed.Load()
}

func (c *ResourceCoordinator) checkClosed() error {
	if c.closed.Load() {
		return fmt.Errorf("%w: resource %s is closed", xa.ErrIllegalState, c.name)
	}
	return nil
}

// BranchIdentifier 当前安装的分支标识
func (c *ResourceCoordinator) BranchIdentifier() string {
	c.idMux.RLock()
	defer c.idMux.RUnlock()
	return c.branchIdentifier
}

// SetBranchIdentifier 安装分支标识，未安装前无法创建 xid
func (c *ResourceCoordinator) SetBranchIdentifier(branchIdentifier string) {
	c.idMux.Lock()
	defer c.idMux.Unlock()
	c.branchIdentifier = branchIdentifier
}

// SetRecoveryService 以恢复服务的名称作为分支标识，并触发一轮恢复
func (c *ResourceCoordinator) SetRecoveryService(ctx context.Context, svc RecoveryDriver) error {
	if svc == nil {
		return nil
	}
	if err := c.checkClosed(); err != nil {
		return err
	}
	c.SetBranchIdentifier(svc.Name())
	return svc.Recover(ctx)
}

func (c *ResourceCoordinator) setRecoveryManager(manager persistence.StateRecoveryManager) {
	c.siblingMux.Lock()
	defer c.siblingMux.Unlock()
	if c.opts.RecoveryManager == nil {
		c.opts.RecoveryManager = manager
	}
}

func (c *ResourceCoordinator) recoveryManager() persistence.StateRecoveryManager {
	c.siblingMux.Lock()
	defer c.siblingMux.Unlock()
	return c.opts.RecoveryManager
}

// CreateXid 为 tid 在本资源上构造 xid
func (c *ResourceCoordinator) CreateXid(tid string) (xa.Xid, error) {
	branchIdentifier := c.BranchIdentifier()
	if branchIdentifier == "" {
		return xa.Xid{}, fmt.Errorf("%w: resource %s has no branch identifier, recovery service not set", xa.ErrIllegalState, c.name)
	}
	return c.opts.XidFactory.CreateXid(tid, branchIdentifier)
}

// XAResource 返回缓存的连接，连接不存在或者存活探测失败时重新获取.
// 检查与刷新在同一个临界区内完成，并发调用方拿到的是同一个新连接.
func (c *ResourceCoordinator) XAResource(ctx context.Context) (xa.ResourceManager, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}

	c.connMux.Lock()
	defer c.connMux.Unlock()

	if !c.needsRefresh(ctx) {
		return c.rm, nil
	}

	log.DebugContextf(ctx, "resource %s: refreshing XAResource", c.name)
	rm, err := c.connector.Connect(ctx)
	c.metrics.recordRefresh(ctx, c.name, err)
	if err != nil {
		c.rm = nil
		return nil, fmt.Errorf("%w: refresh XAResource of %s: %v", xa.ErrResource, c.name, err)
	}
	c.rm = rm
	if rm != nil {
		log.InfoContextf(ctx, "resource %s: refreshed XAResource %s", c.name, rm.Descriptor())
	}
	return rm, nil
}

// 调用方持有 connMux
func (c *ResourceCoordinator) needsRefresh(ctx context.Context) bool {
	if c.rm == nil {
		return true
	}
	// 对自身调用 IsSameRM 作为存活探测
	if _, err := c.rm.IsSameRM(c.rm); err != nil {
		log.WarnContextf(ctx, "resource %s: XAResource seems broken, err: %v", c.name, err)
		return true
	}
	return false
}

// UsesXAResource 判断 other 是否与本资源指向同一个资源管理器
func (c *ResourceCoordinator) UsesXAResource(ctx context.Context, other xa.ResourceManager) (bool, error) {
	if other == nil {
		return false, nil
	}

	rm, err := c.XAResource(ctx)
	if err != nil {
		return false, err
	}
	if rm == nil {
		return false, nil
	}

	if c.opts.CompareMode == CompareAlways {
		return true, nil
	}

	if rm.Descriptor().Implementation != other.Descriptor().Implementation {
		return false, nil
	}

	if c.opts.CompareMode == CompareWeak {
		return true, nil
	}

	same, err := rm.IsSameRM(other)
	if err != nil {
		return false, fmt.Errorf("%w: compare XAResource of %s: %v", xa.ErrResource, c.name, err)
	}
	return same, nil
}

// ResourceTransaction 取得 ct 所在根事务在本资源上的分支，不存在时创建
func (c *ResourceCoordinator) ResourceTransaction(ctx context.Context, ct CompositeTransaction) (*ResourceBranch, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	if ct == nil {
		return nil, nil
	}
	return c.siblingMapper(rootTid(ct)).findOrCreateBranch(ctx)
}

func (c *ResourceCoordinator) siblingMapper(root string) *siblingMapper {
	c.siblingMux.Lock()
	defer c.siblingMux.Unlock()
	mapper, ok := c.siblings[root]
	if !ok {
		mapper = newSiblingMapper(c, root)
		c.siblings[root] = mapper
	}
	return mapper
}

// TerminatedRoot 根事务结束后释放对应的映射，重复调用无副作用
func (c *ResourceCoordinator) TerminatedRoot(root string) {
	c.siblingMux.Lock()
	mapper := c.siblings[root]
	delete(c.siblings, root)
	c.siblingMux.Unlock()

	// 没有走到 prepared 的分支不会出现在资源管理器的 in-doubt 列表中，不必继续跟踪
	if mapper == nil {
		return
	}
	if branch := mapper.current(); branch != nil {
		if state := branch.State(); state != BranchPrepared && state != BranchCommitting {
			c.releaseBranch(branch)
		}
	}
}

func (c *ResourceCoordinator) newBranch(root string) (*ResourceBranch, error) {
	xid, err := c.CreateXid(root)
	if err != nil {
		return nil, err
	}

	branch := newResourceBranch(c.name, xid, BranchInitial)
	branch.coordinator = c
	if manager := c.recoveryManager(); manager != nil {
		branch.recoveryManager = manager
		if err := manager.Register(branch); err != nil {
			return nil, err
		}
	}

	c.liveMux.Lock()
	c.live[branch.ParticipantID()] = branch
	c.liveMux.Unlock()
	return branch, nil
}

// liveBranch 返回 id 对应的进行中分支，不存在时返回 nil
func (c *ResourceCoordinator) liveBranch(id string) *ResourceBranch {
	c.liveMux.Lock()
	defer c.liveMux.Unlock()
	return c.live[id]
}

func (c *ResourceCoordinator) liveBranches() []*ResourceBranch {
	c.liveMux.Lock()
	defer c.liveMux.Unlock()
	branches := make([]*ResourceBranch, 0, len(c.live))
	for _, branch := range c.live {
		branches = append(branches, branch)
	}
	return branches
}

// releaseBranch 分支到达终态后调用. 从日志还原出的副本不在集合中，调用无副作用
func (c *ResourceCoordinator) releaseBranch(branch *ResourceBranch) {
	c.liveMux.Lock()
	defer c.liveMux.Unlock()
	if c.live[branch.ParticipantID()] == branch {
		delete(c.live, branch.ParticipantID())
	}
}

// BeginRecovery 开启一轮恢复：扫描资源管理器上归属本服务的 in-doubt 分支
func (c *ResourceCoordinator) BeginRecovery(ctx context.Context) error {
	if err := c.checkClosed(); err != nil {
		return err
	}

	c.recoveryMux.Lock()
	defer c.recoveryMux.Unlock()
	return c.scanIfNecessary(ctx)
}

// 调用方持有 recoveryMux
func (c *ResourceCoordinator) scanIfNecessary(ctx context.Context) error {
	if c.scan.phase != RecoveryUnstarted {
		return nil
	}

	branchIdentifier := c.BranchIdentifier()
	if branchIdentifier == "" {
		log.DebugContextf(ctx, "resource %s: no branch identifier yet, nothing to recover", c.name)
		c.scan.reconciled(nil)
		return nil
	}

	rm, err := c.XAResource(ctx)
	if err != nil {
		return err
	}
	if rm == nil {
		log.WarnContextf(ctx, "resource %s: XAResource is nil, skipping recovery", c.name)
		c.scan.reconciled(nil)
		return nil
	}

	c.scan.phase = RecoveryScanning
	owned := make(map[string]xa.Xid)
	err = ScanXids(ctx, rm, func(xid xa.Xid) {
		if !xid.HasBranchPrefix(branchIdentifier) {
			log.InfoContextf(ctx, "resource %s: XID %s is not under my responsibility", c.name, xid)
			return
		}
		log.InfoContextf(ctx, "resource %s: recovering XID %s", c.name, xid)
		owned[xid.Key()] = xid
	})
	if err != nil {
		c.scan.reset()
		return err
	}

	c.scan.reconciled(owned)
	c.metrics.recordRecovered(ctx, c.name, len(owned))
	return nil
}

// Recover 认领一个从日志中恢复的分支.
// 资源管理器报告过该 xid 时返回 true，每个 xid 在一轮中至多被认领一次.
// 被认领或者名称与本资源一致的分支会重新绑定到本资源的连接上.
func (c *ResourceCoordinator) Recover(ctx context.Context, branch *ResourceBranch) (bool, error) {
	if err := c.checkClosed(); err != nil {
		return false, err
	}
	if branch == nil {
		return false, errors.New("nil resource branch")
	}

	c.recoveryMux.Lock()
	defer c.recoveryMux.Unlock()

	rm, err := c.XAResource(ctx)
	if err != nil {
		return false, err
	}
	if rm == nil {
		log.WarnContextf(ctx, "resource %s: XAResource is nil, cannot recover branch %s", c.name, branch.Xid())
		return false, nil
	}

	if err := c.scanIfNecessary(ctx); err != nil {
		return false, err
	}

	// 进程内的同一分支仍在进行中，还原出的只是它的旧快照
	if c.liveBranch(branch.ParticipantID()) != nil {
		return false, nil
	}

	recovered := c.scan.claim(branch.Xid())
	if recovered || branch.ResourceName() == c.name {
		branch.attach(c, rm)
	}
	if recovered {
		c.metrics.recordClaimed(ctx, c.name)
	}
	return recovered, nil
}

// spare 把进行中分支的 xid 从本轮扫描结果中移除，使其不被推定回滚
func (c *ResourceCoordinator) spare(xid xa.Xid) {
	c.recoveryMux.Lock()
	defer c.recoveryMux.Unlock()
	c.scan.claim(xid)
}

// EndRecovery 结束本轮恢复：没有被认领、也不属于进行中分支的 xid 按推定回滚处理
func (c *ResourceCoordinator) EndRecovery(ctx context.Context) error {
	if err := c.checkClosed(); err != nil {
		return err
	}

	c.recoveryMux.Lock()
	defer c.recoveryMux.Unlock()
	defer c.scan.reset()

	rm, err := c.XAResource(ctx)
	if err != nil {
		return err
	}
	if rm == nil {
		return nil
	}

	if err := c.scanIfNecessary(ctx); err != nil {
		return err
	}

	c.scan.phase = RecoveryIdle
	for _, xid := range c.scan.unclaimed() {
		if c.liveBranch(xid.Key()) != nil {
			log.DebugContextf(ctx, "resource %s: XID %s belongs to a live branch, skipping", c.name, xid)
			continue
		}
		// 推定回滚尽力而为，失败的留给下一轮
		if err := rm.Rollback(ctx, xid); err != nil {
			log.WarnContextf(ctx, "resource %s: presumed abort rollback of XID %s failed, err: %v", c.name, xid, err)
			c.metrics.recordPresumedAbort(ctx, c.name, err)
			continue
		}
		log.InfoContextf(ctx, "resource %s: XAResource.rollback(%s) called", c.name, xid)
		c.metrics.recordPresumedAbort(ctx, c.name, nil)
	}
	log.DebugContextf(ctx, "resource %s: endRecovery done", c.name)
	return nil
}

// RecoveryPhase 当前恢复轮次所处的阶段
func (c *ResourceCoordinator) RecoveryPhase() RecoveryPhase {
	c.recoveryMux.Lock()
	defer c.recoveryMux.Unlock()
	return c.scan.phase
}
