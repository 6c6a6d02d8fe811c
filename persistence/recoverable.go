package persistence

import "context"

// TxState 参与者生命周期中的状态
type TxState string

func (t TxState) String() string {
	return string(t)
}

// StateImage 参与者可恢复状态的快照
type StateImage struct {
	// 参与者 id
	ID string `json:"id"`
	// 写入快照时参与者即将进入的状态
	State TxState `json:"state"`
	// 参与者自行序列化的内容
	Data []byte `json:"data"`
}

func (s *StateImage) clone() *StateImage {
	return &StateImage{
		ID:    s.ID,
		State: s.State,
		Data:  append([]byte(nil), s.Data...),
	}
}

// Recoverable 需要通过日志保证崩溃可恢复的参与者
type Recoverable interface {
	// 全局唯一的参与者 id
	ParticipantID() string
	// 进入这些状态之前需要先把快照落盘
	RecoverableStates() []TxState
	// 进入这些状态之前需要先把快照从日志中删除
	FinalStates() []TxState
	// 生成进入 state 时的快照，返回 nil 表示不需要记录
	ObjectImage(state TxState) ([]byte, error)
}

// Restorer 把日志中回放出来的快照还原为参与者
type Restorer func(img *StateImage) (Recoverable, error)

// StateRecoveryManager 状态日志引擎.
// 参与者在修改内存中的状态之前调用 Persist，只有 Persist 成功才允许真正迁移状态.
type StateRecoveryManager interface {
	// 订阅参与者的生命周期
	Register(r Recoverable) error
	// 参与者即将进入 next 状态：可恢复状态落盘，终态删除
	Persist(ctx context.Context, r Recoverable, next TxState) error
	// 回放日志，还原出所有存活的参与者并重新注册
	Recover(ctx context.Context) ([]Recoverable, error)
	// 还原指定 id 的参与者，不存在时返回 nil
	RecoverID(ctx context.Context, id string) (Recoverable, error)
	// 删除指定 id 的快照，幂等
	Delete(ctx context.Context, id string) error
	// 关闭引擎并释放日志锁
	Close() error
}
