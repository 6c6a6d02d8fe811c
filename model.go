package goxa

import (
	"github.com/xiaoxuxiansheng/goxa/persistence"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// 分支状态
const (
	// 已创建，尚未在资源管理器上开启
	BranchInitial persistence.TxState = "initial"
	// 执行中
	BranchActive persistence.TxState = "active"
	// 分支上的工作已结束
	BranchIdle persistence.TxState = "idle"
	// 资源管理器已投票同意提交
	BranchPrepared persistence.TxState = "prepared"
	// 已做出提交决定，正在提交
	BranchCommitting persistence.TxState = "committing"
	// 已提交
	BranchCommitted persistence.TxState = "committed"
	// 已回滚
	BranchAborted persistence.TxState = "aborted"
	// 只读分支或者已经被资源管理器遗忘
	BranchTerminated persistence.TxState = "terminated"
)

var (
	recoverableBranchStates = []persistence.TxState{BranchPrepared, BranchCommitting}
	finalBranchStates       = []persistence.TxState{BranchCommitted, BranchAborted, BranchTerminated}
)

func isFinalBranchState(state persistence.TxState) bool {
	for _, final := range finalBranchStates {
		if state == final {
			return true
		}
	}
	return false
}

// branchImage 分支写入日志的内容
type branchImage struct {
	ResourceName string              `json:"resourceName"`
	Xid          xa.Xid              `json:"xid"`
	State        persistence.TxState `json:"state"`
}

// RecoveryPhase 一轮恢复扫描所处的阶段
type RecoveryPhase int

const (
	RecoveryUnstarted RecoveryPhase = iota
	RecoveryScanning
	RecoveryReconciled
	RecoveryIdle
)

func (r RecoveryPhase) String() string {
	switch r {
	case RecoveryUnstarted:
		return "unstarted"
	case RecoveryScanning:
		return "scanning"
	case RecoveryReconciled:
		return "reconciled"
	case RecoveryIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// CompareMode 判断两个资源管理器句柄是否指向同一个资源管理器的方式
type CompareMode int

const (
	// 实现标识一致时委托资源管理器自身的 IsSameRM
	CompareStrict CompareMode = iota
	// 实现标识一致即可，即使资源管理器自己报告不同
	CompareWeak
	// 总是视为同一个资源管理器.
	// 会牺牲分支之间的隔离，可能掩盖跨分支的隔离问题，只用于兼容不规范的厂商实现.
	CompareAlways
)

func (c CompareMode) String() string {
	switch c {
	case CompareStrict:
		return "strict"
	case CompareWeak:
		return "weak"
	case CompareAlways:
		return "always"
	default:
		return "unknown"
	}
}
