package goxa

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/xiaoxuxiansheng/goxa/persistence"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

type Status string

const (
	StatusActive     Status = "active"
	StatusIdle       Status = "idle"
	StatusPrepared   Status = "prepared"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolledback"
)

type mockResourceManager struct {
	mutex         sync.Mutex
	descriptor    xa.Descriptor
	statusMachine map[string]Status
	xids          map[string]xa.Xid
	flags         []xa.Flags
	startFlags    []xa.Flags
	endFlags      []xa.Flags
	rollbacks     []xa.Xid
	commits       []xa.Xid

	vote        xa.Vote
	pingErr    error
	sameRM      *bool
	recoverErr  error
	commitErr   error
	rollbackErr error
}

func newMockResourceManager(implementation string) *mockResourceManager {
	return &mockResourceManager{
		descriptor:    xa.Descriptor{Implementation: implementation},
		statusMachine: make(map[string]Status),
		xids:          make(map[string]xa.Xid),
	}
}

// 直接在资源管理器上制造一个 in-doubt 分支
func (m *mockResourceManager) addInDoubt(xid xa.Xid) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.statusMachine[xid.Key()] = StatusPrepared
	m.xids[xid.Key()] = xid
}

func (m *mockResourceManager) status(xid xa.Xid) Status {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.statusMachine[xid.Key()]
}

func (m *mockResourceManager) setErrs(commitErr, rollbackErr error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.commitErr = commitErr
	m.rollbackErr = rollbackErr
}

func (m *mockResourceManager) rolledBack() []xa.Xid {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]xa.Xid(nil), m.rollbacks...)
}

func (m *mockResourceManager) Descriptor() xa.Descriptor {
	return m.descriptor
}

func (m *mockResourceManager) IsSameRM(other xa.ResourceManager) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.pingErr != nil {
		return false, m.pingErr
	}
	if m.sameRM != nil {
		return *m.sameRM, nil
	}
	return other == xa.ResourceManager(m), nil
}

func (m *mockResourceManager) Start(ctx context.Context, xid xa.Xid, flags xa.Flags) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.startFlags = append(m.startFlags, flags)
	m.statusMachine[xid.Key()] = StatusActive
	m.xids[xid.Key()] = xid
	return nil
}

func (m *mockResourceManager) End(ctx context.Context, xid xa.Xid, flags xa.Flags) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.endFlags = append(m.endFlags, flags)
	if m.statusMachine[xid.Key()] != StatusActive {
		return errors.New("xa end: branch not active")
	}
	m.statusMachine[xid.Key()] = StatusIdle
	return nil
}

func (m *mockResourceManager) Prepare(ctx context.Context, xid xa.Xid) (xa.Vote, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.statusMachine[xid.Key()] != StatusIdle {
		return xa.VoteOK, errors.New("xa prepare: branch not idle")
	}
	if m.vote == xa.VoteReadOnly {
		m.statusMachine[xid.Key()] = StatusCommitted
		return xa.VoteReadOnly, nil
	}
	m.statusMachine[xid.Key()] = StatusPrepared
	return xa.VoteOK, nil
}

func (m *mockResourceManager) Commit(ctx context.Context, xid xa.Xid, onePhase bool) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	status := m.statusMachine[xid.Key()]
	if onePhase && status != StatusIdle || !onePhase && status != StatusPrepared {
		return errors.New("xa commit: unexpected branch status " + string(status))
	}
	m.statusMachine[xid.Key()] = StatusCommitted
	m.commits = append(m.commits, xid)
	return nil
}

func (m *mockResourceManager) Rollback(ctx context.Context, xid xa.Xid) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.rollbackErr != nil {
		return m.rollbackErr
	}
	if m.statusMachine[xid.Key()] == StatusCommitted {
		return errors.New("xa rollback: branch committed")
	}
	m.statusMachine[xid.Key()] = StatusRolledBack
	m.rollbacks = append(m.rollbacks, xid)
	return nil
}

func (m *mockResourceManager) Forget(ctx context.Context, xid xa.Xid) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.statusMachine, xid.Key())
	return nil
}

// Recover 每次都返回全部 prepared 分支，第二批全部重复，扫描随之结束
func (m *mockResourceManager) Recover(ctx context.Context, flags xa.Flags) ([]xa.Xid, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.flags = append(m.flags, flags)
	if m.recoverErr != nil {
		return nil, m.recoverErr
	}
	if flags == xa.TMEndRScan {
		return nil, nil
	}

	keys := make([]string, 0, len(m.statusMachine))
	for key, status := range m.statusMachine {
		if status == StatusPrepared {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return nil, xa.ErrNoRecoverableXids
	}
	sort.Strings(keys)
	xids := make([]xa.Xid, 0, len(keys))
	for _, key := range keys {
		xids = append(xids, m.xids[key])
	}
	return xids, nil
}

func staticConnector(rm xa.ResourceManager) Connector {
	return ConnectorFunc(func(ctx context.Context) (xa.ResourceManager, error) {
		return rm, nil
	})
}

type mockTransaction struct {
	tid    string
	parent *mockTransaction
}

func newMockTransaction(tid string, parent *mockTransaction) *mockTransaction {
	return &mockTransaction{
		tid:    tid,
		parent: parent,
	}
}

func (m *mockTransaction) Tid() string {
	return m.tid
}

func (m *mockTransaction) IsRoot() bool {
	return m.parent == nil
}

func (m *mockTransaction) Lineage() []CompositeTransaction {
	var lineage []CompositeTransaction
	for ancestor := m.parent; ancestor != nil; ancestor = ancestor.parent {
		lineage = append([]CompositeTransaction{ancestor}, lineage...)
	}
	return lineage
}

type mockRecoveryDriver struct {
	name    string
	recover int
}

func (m *mockRecoveryDriver) Name() string {
	return m.name
}

func (m *mockRecoveryDriver) Recover(ctx context.Context) error {
	m.recover++
	return nil
}

// 持久化失败的状态日志
type brokenRecoveryManager struct {
	persistence.VolatileStateRecoveryManager
}

func (b *brokenRecoveryManager) Persist(ctx context.Context, r persistence.Recoverable, next persistence.TxState) error {
	return fmt.Errorf("%w: disk full", xa.ErrLog)
}
