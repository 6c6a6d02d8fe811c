package goxa

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/persistence"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// RecoveryService 串联状态日志与各个资源协调器：
// 1. 启动时回放日志，逐个资源扫描 in-doubt 分支
// 2. 把日志中的分支交给资源认领，并按日志中的状态提交或回滚
// 3. 资源上没有被认领的分支按推定回滚处理
// 4. 处理失败的分支由后台轮询任务按退避策略重试
type RecoveryService struct {
	ctx             context.Context
	stop            context.CancelFunc
	name            string
	opts            *ServiceOptions
	recoveryManager persistence.StateRecoveryManager
	registry        *resourceRegistry
	metrics         *coordinatorMetrics

	// 同一时刻只允许一轮恢复
	recoverMux sync.Mutex

	pendingMux sync.Mutex
	pending    map[string]*ResourceBranch

	startOnce sync.Once
	stopOnce  sync.Once
}

func NewRecoveryService(name string, recoveryManager persistence.StateRecoveryManager, opts ...ServiceOption) (*RecoveryService, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty recovery service name", xa.ErrConfiguration)
	}
	// 服务名会作为分支标识写入 bqual
	if len(name) > xa.MaxResourceNameSize {
		return nil, fmt.Errorf("%w: recovery service name %q exceeds %d bytes", xa.ErrConfiguration, name, xa.MaxResourceNameSize)
	}
	if recoveryManager == nil {
		recoveryManager = persistence.NewVolatileStateRecoveryManager()
	}

	ctx, cancel := context.WithCancel(log.WithFields(context.Background(), "tm", name))
	s := RecoveryService{
		ctx:             ctx,
		stop:            cancel,
		name:            name,
		opts:            &ServiceOptions{},
		recoveryManager: recoveryManager,
		registry:        newResourceRegistry(),
		metrics:         newCoordinatorMetrics(),
		pending:         make(map[string]*ResourceBranch),
	}

	for _, opt := range opts {
		opt(s.opts)
	}

	repairService(s.opts)
	return &s, nil
}

func (s *RecoveryService) Name() string {
	return s.name
}

func (s *RecoveryService) RecoveryManager() persistence.StateRecoveryManager {
	return s.recoveryManager
}

// Register 注册资源协调器，为其安装分支标识和状态日志
func (s *RecoveryService) Register(coordinator *ResourceCoordinator) error {
	if err := s.registry.register(coordinator); err != nil {
		return err
	}
	coordinator.SetBranchIdentifier(s.name)
	coordinator.setRecoveryManager(s.recoveryManager)
	return nil
}

func (s *RecoveryService) Unregister(name string) {
	s.registry.unregister(name)
}

func (s *RecoveryService) Coordinator(name string) (*ResourceCoordinator, error) {
	return s.registry.getCoordinator(name)
}

// Start 启动后台轮询任务，RecoveryDelay 为 0 时不启动
func (s *RecoveryService) Start() {
	if s.opts.RecoveryDelay <= 0 {
		return
	}
	s.startOnce.Do(func() {
		go s.run()
	})
}

func (s *RecoveryService) Stop() {
	s.stopOnce.Do(s.stop)
}

// Close 停止后台任务并关闭状态日志
func (s *RecoveryService) Close() error {
	s.Stop()
	return s.recoveryManager.Close()
}

// Recover 执行一轮完整的恢复.
// 本进程中尚未结束的分支不参与认领与推定回滚，可以在事务进行中调用.
// 单个资源扫描失败只影响该资源，返回遇到的第一个错误.
func (s *RecoveryService) Recover(ctx context.Context) error {
	s.recoverMux.Lock()
	defer s.recoverMux.Unlock()

	ctx = log.WithFields(ctx, "tm", s.name)
	participants, err := s.recoveryManager.Recover(ctx)
	if err != nil {
		return err
	}

	var firstErr error
	record := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	coordinators := make([]*ResourceCoordinator, 0)
	for _, coordinator := range s.registry.getCoordinators() {
		if coordinator.IsClosed() {
			continue
		}
		if err := coordinator.BeginRecovery(ctx); err != nil {
			log.ErrorContextf(ctx, "begin recovery of resource %s failed, err: %v", coordinator.Name(), err)
			record(err)
			continue
		}
		coordinators = append(coordinators, coordinator)
	}

	// 扫描之后再取进行中的分支，扫描结果里的 xid 一定在其中
	live := s.liveBranches()
	for _, branch := range live {
		for _, coordinator := range coordinators {
			coordinator.spare(branch.Xid())
		}
	}

	for _, participant := range participants {
		branch, ok := participant.(*ResourceBranch)
		if !ok {
			log.WarnContextf(ctx, "unknown participant %s in log, skipped", participant.ParticipantID())
			continue
		}
		if owner, ok := live[branch.ParticipantID()]; ok {
			// 提交决定已经落盘，由重试任务兜底；其余状态仍由事务自己推进
			if owner.State() == BranchCommitting {
				s.addPending(owner)
			}
			log.DebugContextf(ctx, "branch %s is still live, skipped", branch)
			continue
		}
		branch.setRecoveryManager(s.recoveryManager)

		claimed, err := s.claim(ctx, coordinators, branch)
		if err != nil {
			log.ErrorContextf(ctx, "claim branch %s failed, err: %v", branch, err)
			record(err)
			continue
		}
		if err := s.resolve(ctx, branch, claimed); err != nil {
			log.ErrorContextf(ctx, "resolve branch %s failed, err: %v", branch, err)
			record(err)
		}
	}

	for _, coordinator := range coordinators {
		if err := coordinator.EndRecovery(ctx); err != nil {
			log.ErrorContextf(ctx, "end recovery of resource %s failed, err: %v", coordinator.Name(), err)
			record(err)
		}
	}
	return firstErr
}

// liveBranches 所有已注册资源上尚未结束的分支
func (s *RecoveryService) liveBranches() map[string]*ResourceBranch {
	live := make(map[string]*ResourceBranch)
	for _, coordinator := range s.registry.getCoordinators() {
		for _, branch := range coordinator.liveBranches() {
			live[branch.ParticipantID()] = branch
		}
	}
	return live
}

func (s *RecoveryService) claim(ctx context.Context, coordinators []*ResourceCoordinator, branch *ResourceBranch) (bool, error) {
	for _, coordinator := range coordinators {
		claimed, err := coordinator.Recover(ctx, branch)
		if err != nil {
			return false, err
		}
		if claimed {
			return true, nil
		}
	}
	return false, nil
}

// resolve 按日志中的状态推进分支：
// committing 继续提交；prepared 没有提交决定，推定回滚；
// 资源管理器没有报告的分支已经在资源管理器上完成，只清理日志.
// 没有任何资源能够接管的分支留给后续处理.
func (s *RecoveryService) resolve(ctx context.Context, branch *ResourceBranch, claimed bool) error {
	if !branch.attached() {
		log.WarnContextf(ctx, "no resource available for branch %s, keeping it", branch)
		s.addPending(branch)
		return nil
	}

	state := branch.State()
	var err error
	switch {
	case isFinalBranchState(state):
		// 事务自己已经完成
	case !claimed:
		log.InfoContextf(ctx, "branch %s no longer known by its resource, forgetting it", branch)
		err = branch.terminate(ctx)
	case state == BranchCommitting:
		err = branch.Commit(ctx, false)
	case state == BranchPrepared:
		err = branch.Rollback(ctx)
	default:
		log.WarnContextf(ctx, "branch %s recovered in unexpected state %s", branch, state)
	}
	s.metrics.recordResolved(ctx, state.String(), err)

	if err != nil {
		s.addPending(branch)
		return err
	}
	s.removePending(branch)
	return nil
}

func (s *RecoveryService) addPending(branch *ResourceBranch) {
	s.pendingMux.Lock()
	defer s.pendingMux.Unlock()
	s.pending[branch.ParticipantID()] = branch
}

func (s *RecoveryService) removePending(branch *ResourceBranch) {
	s.pendingMux.Lock()
	defer s.pendingMux.Unlock()
	delete(s.pending, branch.ParticipantID())
}

// Pending 尚未处理完成的分支
func (s *RecoveryService) Pending() []*ResourceBranch {
	s.pendingMux.Lock()
	defer s.pendingMux.Unlock()
	branches := make([]*ResourceBranch, 0, len(s.pending))
	for _, branch := range s.pending {
		branches = append(branches, branch)
	}
	sort.Slice(branches, func(i, j int) bool {
		return branches[i].ParticipantID() < branches[j].ParticipantID()
	})
	return branches
}

// RetryPending 重试已经被资源接管、但提交或回滚失败的分支.
// 不做推定回滚，不会影响正在进行中的事务.
func (s *RecoveryService) RetryPending(ctx context.Context) error {
	s.recoverMux.Lock()
	defer s.recoverMux.Unlock()

	var firstErr error
	for _, branch := range s.Pending() {
		if !branch.attached() {
			continue
		}
		if err := s.resolve(ctx, branch, true); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *RecoveryService) backOffTick(tick time.Duration) time.Duration {
	tick <<= 1
	if threshold := s.opts.RecoveryDelay << 3; tick > threshold {
		return threshold
	}
	return tick
}

func (s *RecoveryService) run() {
	var tick time.Duration
	var err error
	for {
		// 出现失败时按退避策略增大间隔
		if err == nil {
			tick = s.opts.RecoveryDelay
		} else {
			tick = s.backOffTick(tick)
		}
		select {
		case <-s.ctx.Done():
			return

		case <-time.After(tick):
			if err = s.RetryPending(s.ctx); err != nil {
				log.WarnContextf(s.ctx, "retry pending branches failed, next tick: %v, err: %v", s.backOffTick(tick), err)
			}
		}
	}
}
