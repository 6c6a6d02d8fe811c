package goxa

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cast"

	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/persistence"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// 配置项
const (
	TmUniqueNameProperty       = "goxa.tm_unique_name"
	EnableLoggingProperty      = "goxa.enable_logging"
	CheckpointIntervalProperty = "goxa.checkpoint_interval"
	LogBaseDirProperty         = "goxa.log_base_dir"
	LogBaseNameProperty        = "goxa.log_base_name"
	RecoveryDelayProperty      = "goxa.recovery_delay"
)

// MaxTidLength 事务 id 的最大字节数，事务管理器名称是事务 id 的前缀，同样受此约束
const MaxTidLength = xa.MaxGtridSize

// ConfigProperties 松散类型的配置，取值时通过 cast 转换
type ConfigProperties map[string]interface{}

// DefaultConfigProperties 默认配置，tm_unique_name 没有默认值
func DefaultConfigProperties() ConfigProperties {
	return ConfigProperties{
		EnableLoggingProperty:      true,
		CheckpointIntervalProperty: 500,
		LogBaseDirProperty:         "./",
		LogBaseNameProperty:        "tmlog",
		RecoveryDelayProperty:      "10s",
	}
}

// With 返回在当前配置之上覆盖 overrides 后的新配置
func (p ConfigProperties) With(overrides ConfigProperties) ConfigProperties {
	merged := make(ConfigProperties, len(p)+len(overrides))
	for k, v := range p {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

func (p ConfigProperties) GetString(key string) string {
	return cast.ToString(p[key])
}

func (p ConfigProperties) GetBool(key string) bool {
	return cast.ToBool(p[key])
}

func (p ConfigProperties) GetInt64(key string) int64 {
	return cast.ToInt64(p[key])
}

func (p ConfigProperties) GetDuration(key string) time.Duration {
	return cast.ToDuration(p[key])
}

// TmUniqueName 事务管理器的唯一名称，必填
func (p ConfigProperties) TmUniqueName() (string, error) {
	name := p.GetString(TmUniqueNameProperty)
	if name == "" {
		return "", fmt.Errorf("%w: property %s is required", xa.ErrConfiguration, TmUniqueNameProperty)
	}
	if len(name) > MaxTidLength {
		return "", fmt.Errorf("%w: value too long: %s, max length is %d bytes", xa.ErrConfiguration, name, MaxTidLength)
	}
	return name, nil
}

// AssembleRecoveryManager 按配置选择状态日志：开启日志时使用文件日志，否则使用不落盘的实现
func AssembleRecoveryManager(ctx context.Context, props ConfigProperties, restorer persistence.Restorer) (persistence.StateRecoveryManager, error) {
	if _, err := props.TmUniqueName(); err != nil {
		return nil, err
	}

	if !props.GetBool(EnableLoggingProperty) {
		log.WarnContextf(ctx, "transaction logging disabled, in-doubt branches will not survive a crash")
		return persistence.NewVolatileStateRecoveryManager(), nil
	}

	return persistence.OpenStateRecoveryManager(ctx,
		persistence.WithLogDir(props.GetString(LogBaseDirProperty)),
		persistence.WithLogBaseName(props.GetString(LogBaseNameProperty)),
		persistence.WithCheckpointInterval(props.GetInt64(CheckpointIntervalProperty)),
		persistence.WithRestorer(restorer),
	)
}

// AssembleRecoveryService 按配置组装恢复服务，分支快照由 RestoreResourceBranch 还原
func AssembleRecoveryService(ctx context.Context, props ConfigProperties) (*RecoveryService, error) {
	name, err := props.TmUniqueName()
	if err != nil {
		return nil, err
	}

	manager, err := AssembleRecoveryManager(ctx, props, RestoreResourceBranch)
	if err != nil {
		return nil, err
	}

	service, err := NewRecoveryService(name, manager, WithRecoveryDelay(props.GetDuration(RecoveryDelayProperty)))
	if err != nil {
		_ = manager.Close()
		return nil, err
	}
	return service, nil
}
