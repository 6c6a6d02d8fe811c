package persistence

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/xiaoxuxiansheng/goxa/xa"
)

// VolatileStateRecoveryManager 关闭持久化日志时使用，不做任何记录，崩溃后无法恢复
type VolatileStateRecoveryManager struct {
	closed atomic.Bool
}

func NewVolatileStateRecoveryManager() *VolatileStateRecoveryManager {
	return &VolatileStateRecoveryManager{}
}

func (v *VolatileStateRecoveryManager) Register(r Recoverable) error {
	return v.check()
}

func (v *VolatileStateRecoveryManager) Persist(ctx context.Context, r Recoverable, next TxState) error {
	return v.check()
}

func (v *VolatileStateRecoveryManager) Recover(ctx context.Context) ([]Recoverable, error) {
	return nil, v.check()
}

func (v *VolatileStateRecoveryManager) RecoverID(ctx context.Context, id string) (Recoverable, error) {
	return nil, v.check()
}

func (v *VolatileStateRecoveryManager) Delete(ctx context.Context, id string) error {
	return v.check()
}

func (v *VolatileStateRecoveryManager) Close() error {
	v.closed.Store(true)
	return nil
}

func (v *VolatileStateRecoveryManager) check() error {
	if v.closed.Load() {
		return fmt.Errorf("%w: state recovery manager is closed", xa.ErrIllegalState)
	}
	return nil
}
