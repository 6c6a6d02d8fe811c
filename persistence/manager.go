package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

type registration struct {
	recoverable map[TxState]struct{}
	final       map[TxState]struct{}
}

func newRegistration(r Recoverable) *registration {
	reg := registration{
		recoverable: make(map[TxState]struct{}),
		final:       make(map[TxState]struct{}),
	}
	for _, state := range r.RecoverableStates() {
		reg.recoverable[state] = struct{}{}
	}
	for _, state := range r.FinalStates() {
		reg.final[state] = struct{}{}
	}
	return &reg
}

// FileStateRecoveryManager 基于文件日志的状态日志引擎
type FileStateRecoveryManager struct {
	opts       *Options
	lock       *LogFileLock
	objectLog  *ObjectLog
	mux        sync.RWMutex
	registered map[string]*registration
	closed     bool
}

// OpenStateRecoveryManager 获取日志锁、打开日志并完成回放
func OpenStateRecoveryManager(ctx context.Context, opts ...Option) (*FileStateRecoveryManager, error) {
	options := Options{}
	for _, opt := range opts {
		opt(&options)
	}
	repair(&options)

	lock := NewLogFileLock(options.LogDir, options.LogBaseName)
	if err := lock.Acquire(); err != nil {
		return nil, err
	}

	stream, err := OpenFileLogStream(options.LogDir, options.LogBaseName)
	if err != nil {
		_ = lock.Release()
		return nil, err
	}
	return newStateRecoveryManager(ctx, &options, lock, stream)
}

func newStateRecoveryManager(ctx context.Context, opts *Options, lock *LogFileLock, stream LogStream) (*FileStateRecoveryManager, error) {
	objectLog := NewObjectLog(stream, opts.CheckpointInterval)
	if err := objectLog.Init(ctx); err != nil {
		_ = objectLog.Close()
		if lock != nil {
			_ = lock.Release()
		}
		return nil, err
	}

	return &FileStateRecoveryManager{
		opts:       opts,
		lock:       lock,
		objectLog:  objectLog,
		registered: make(map[string]*registration),
	}, nil
}

func (m *FileStateRecoveryManager) Register(r Recoverable) error {
	if r == nil {
		return errors.New("persistence: illegal attempt to register nil recoverable")
	}

	m.mux.Lock()
	defer m.mux.Unlock()
	if m.closed {
		return fmt.Errorf("%w: state recovery manager is closed", xa.ErrIllegalState)
	}
	m.registered[r.ParticipantID()] = newRegistration(r)
	return nil
}

func (m *FileStateRecoveryManager) Persist(ctx context.Context, r Recoverable, next TxState) error {
	m.mux.RLock()
	closed := m.closed
	reg := m.registered[r.ParticipantID()]
	m.mux.RUnlock()

	if closed {
		return fmt.Errorf("%w: state recovery manager is closed", xa.ErrIllegalState)
	}
	// 未订阅的参与者或者不关心的状态，不做记录
	if reg == nil {
		return nil
	}
	_, final := reg.final[next]
	_, recoverable := reg.recoverable[next]
	if !final && !recoverable {
		return nil
	}

	data, err := r.ObjectImage(next)
	if err != nil {
		return fmt.Errorf("%w: image of %s in state %s: %v", xa.ErrLog, r.ParticipantID(), next, err)
	}
	if data == nil {
		return nil
	}

	if final {
		if err := m.objectLog.Delete(ctx, r.ParticipantID()); err != nil {
			return err
		}
		m.unregister(r.ParticipantID())
		return nil
	}

	return m.objectLog.Flush(ctx, &StateImage{
		ID:    r.ParticipantID(),
		State: next,
		Data:  data,
	})
}

func (m *FileStateRecoveryManager) unregister(id string) {
	m.mux.Lock()
	defer m.mux.Unlock()
	delete(m.registered, id)
}

func (m *FileStateRecoveryManager) Recover(ctx context.Context) ([]Recoverable, error) {
	images, err := m.objectLog.Recover(ctx)
	if err != nil {
		return nil, err
	}

	recovered := make([]Recoverable, 0, len(images))
	for _, img := range images {
		r, err := m.restore(img)
		if err != nil {
			return nil, err
		}
		if err := m.Register(r); err != nil {
			return nil, err
		}
		recovered = append(recovered, r)
	}
	log.InfoContextf(ctx, "state recovery manager recovered %d participants", len(recovered))
	return recovered, nil
}

func (m *FileStateRecoveryManager) RecoverID(ctx context.Context, id string) (Recoverable, error) {
	img, err := m.objectLog.RecoverID(ctx, id)
	if err != nil || img == nil {
		return nil, err
	}

	r, err := m.restore(img)
	if err != nil {
		return nil, err
	}
	if err := m.Register(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (m *FileStateRecoveryManager) restore(img *StateImage) (Recoverable, error) {
	if m.opts.Restorer == nil {
		return nil, fmt.Errorf("%w: no restorer configured", xa.ErrConfiguration)
	}
	r, err := m.opts.Restorer(img)
	if err != nil {
		return nil, fmt.Errorf("%w: restore %s: %v", xa.ErrLog, img.ID, err)
	}
	return r, nil
}

func (m *FileStateRecoveryManager) Delete(ctx context.Context, id string) error {
	if err := m.objectLog.Delete(ctx, id); err != nil {
		return err
	}
	m.unregister(id)
	return nil
}

// Checkpoint 主动做一次 checkpoint
func (m *FileStateRecoveryManager) Checkpoint(ctx context.Context) error {
	return m.objectLog.Checkpoint(ctx)
}

func (m *FileStateRecoveryManager) Close() error {
	m.mux.Lock()
	if m.closed {
		m.mux.Unlock()
		return nil
	}
	m.closed = true
	m.mux.Unlock()

	err := m.objectLog.Close()
	if m.lock != nil {
		if lerr := m.lock.Release(); lerr != nil && err == nil {
			err = lerr
		}
	}
	return err
}
