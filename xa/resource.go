package xa

import "context"

// 扫描 in-doubt 分支时使用的标识，取值与 xa 规范一致
type Flags int

const (
	TMNoFlags    Flags = 0x00000000
	TMJoin       Flags = 0x00200000
	TMEndRScan   Flags = 0x00800000
	TMStartRScan Flags = 0x01000000
	TMSuspend    Flags = 0x02000000
	TMSuccess    Flags = 0x04000000
	TMResume     Flags = 0x08000000
	TMFail       Flags = 0x20000000
	TMOnePhase   Flags = 0x40000000
)

// Vote prepare 的投票结果
type Vote int

const (
	VoteOK Vote = iota
	// 只读分支无需第二阶段
	VoteReadOnly
)

// Descriptor 资源管理器在注册时声明的身份信息.
// Implementation 相同的两个句柄才会进一步委托 IsSameRM 比较，
// 用于规避部分厂商 IsSameRM 实现不正确的问题.
type Descriptor struct {
	// 实现标识，例如 "mysql"、"redis-queue"
	Implementation string
	// 实例标识，仅用于日志
	Instance string
}

func (d Descriptor) String() string {
	if d.Instance == "" {
		return d.Implementation
	}
	return d.Implementation + "@" + d.Instance
}

// ResourceManager 一个资源管理器连接所暴露的 xa 接口
type ResourceManager interface {
	// 身份描述
	Descriptor() Descriptor
	// 判断与另一个句柄是否指向同一个资源管理器；对自身调用可用作存活探测
	IsSameRM(other ResourceManager) (bool, error)
	// 开启 / 加入分支
	Start(ctx context.Context, xid Xid, flags Flags) error
	// 结束分支上的工作
	End(ctx context.Context, xid Xid, flags Flags) error
	// 第一阶段
	Prepare(ctx context.Context, xid Xid) (Vote, error)
	// 第二阶段提交
	Commit(ctx context.Context, xid Xid, onePhase bool) error
	// 第二阶段回滚
	Rollback(ctx context.Context, xid Xid) error
	// 清理启发式完成的分支
	Forget(ctx context.Context, xid Xid) error
	// 查询处于 in-doubt 状态的分支
	Recover(ctx context.Context, flags Flags) ([]Xid, error)
}
