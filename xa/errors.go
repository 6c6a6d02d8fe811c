package xa

import "errors"

var (
	// 配置错误，启动期即失败，不重试
	ErrConfiguration = errors.New("xa: configuration error")
	// 资源管理器查询 / 连接刷新失败
	ErrResource = errors.New("xa: resource error")
	// 日志 flush / delete / checkpoint / replay 过程中的 io 错误
	ErrLog = errors.New("xa: log error")
	// 在已关闭的 coordinator / 日志引擎上操作
	ErrIllegalState = errors.New("xa: illegal state")
	// 资源管理器没有处于 in-doubt 状态的分支，部分厂商以错误的形式返回空结果
	ErrNoRecoverableXids = errors.New("xa: no recoverable xids")
)
