package goxa

import (
	"time"

	"github.com/xiaoxuxiansheng/goxa/persistence"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// Options 资源协调器的配置
type Options struct {
	// 资源管理器句柄的比较方式
	CompareMode CompareMode
	// xid 的构造方式
	XidFactory xa.XidFactory
	// 分支状态日志，为空时分支不落盘
	RecoveryManager persistence.StateRecoveryManager
}

type Option func(*Options)

// WithWeakCompare 实现标识一致即视为同一个资源管理器
func WithWeakCompare() Option {
	return func(o *Options) {
		o.CompareMode = CompareWeak
	}
}

// WithAcceptAllXAResources 任何句柄都视为同一个资源管理器.
// 只有在厂商 IsSameRM 实现有缺陷、且能接受分支隔离被破坏时才使用.
func WithAcceptAllXAResources() Option {
	return func(o *Options) {
		o.CompareMode = CompareAlways
	}
}

func WithXidFactory(factory xa.XidFactory) Option {
	return func(o *Options) {
		o.XidFactory = factory
	}
}

func WithStateRecoveryManager(manager persistence.StateRecoveryManager) Option {
	return func(o *Options) {
		o.RecoveryManager = manager
	}
}

func repair(name string, o *Options) {
	if o.XidFactory == nil {
		o.XidFactory = xa.NewXidFactory(name)
	}
}

// ServiceOptions 恢复服务的配置
type ServiceOptions struct {
	// 周期性重试未完成分支的间隔，为 0 时不启动后台轮询
	RecoveryDelay time.Duration
}

type ServiceOption func(*ServiceOptions)

func WithRecoveryDelay(delay time.Duration) ServiceOption {
	if delay < 0 {
		delay = 0
	}

	return func(o *ServiceOptions) {
		o.RecoveryDelay = delay
	}
}

func repairService(o *ServiceOptions) {
	if o.RecoveryDelay < 0 {
		o.RecoveryDelay = 0
	}
}
