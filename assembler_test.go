package goxa

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xiaoxuxiansheng/goxa/persistence"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

func Test_ConfigProperties(t *testing.T) {
	props := DefaultConfigProperties().With(ConfigProperties{
		EnableLoggingProperty:      "false",
		CheckpointIntervalProperty: "100",
		RecoveryDelayProperty:      "1s",
	})

	assert.False(t, props.GetBool(EnableLoggingProperty))
	assert.Equal(t, int64(100), props.GetInt64(CheckpointIntervalProperty))
	assert.Equal(t, time.Second, props.GetDuration(RecoveryDelayProperty))
	assert.Equal(t, "tmlog", props.GetString(LogBaseNameProperty))

	// 默认配置不受覆盖影响
	assert.True(t, DefaultConfigProperties().GetBool(EnableLoggingProperty))
}

func Test_ConfigProperties_TmUniqueName(t *testing.T) {
	tests := []struct {
		name    string
		value   interface{}
		want    string
		wantErr bool
	}{
		{name: "missing", value: nil, wantErr: true},
		{name: "ok", value: "tm1", want: "tm1"},
		{name: "longest", value: strings.Repeat("t", MaxTidLength), want: strings.Repeat("t", MaxTidLength)},
		{name: "too long", value: strings.Repeat("t", MaxTidLength+1), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			props := DefaultConfigProperties()
			if tt.value != nil {
				props[TmUniqueNameProperty] = tt.value
			}
			got, err := props.TmUniqueName()
			if tt.wantErr {
				assert.ErrorIs(t, err, xa.ErrConfiguration)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func Test_AssembleRecoveryManager(t *testing.T) {
	ctx := context.Background()

	volatile, err := AssembleRecoveryManager(ctx, DefaultConfigProperties().With(ConfigProperties{
		TmUniqueNameProperty:  "tm1",
		EnableLoggingProperty: false,
	}), RestoreResourceBranch)
	assert.NoError(t, err)
	assert.IsType(t, &persistence.VolatileStateRecoveryManager{}, volatile)

	props := DefaultConfigProperties().With(ConfigProperties{
		TmUniqueNameProperty: "tm1",
		LogBaseDirProperty:   t.TempDir(),
	})
	durable, err := AssembleRecoveryManager(ctx, props, RestoreResourceBranch)
	assert.NoError(t, err)
	assert.IsType(t, &persistence.FileStateRecoveryManager{}, durable)

	// 同一份日志只能被一个实例持有
	_, err = AssembleRecoveryManager(ctx, props, RestoreResourceBranch)
	assert.ErrorIs(t, err, xa.ErrLog)
	assert.NoError(t, durable.Close())

	_, err = AssembleRecoveryManager(ctx, DefaultConfigProperties(), RestoreResourceBranch)
	assert.ErrorIs(t, err, xa.ErrConfiguration)
}

func Test_AssembleRecoveryService(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// 名称满足事务 id 的限制，但放不进 bqual
	_, err := AssembleRecoveryService(ctx, DefaultConfigProperties().With(ConfigProperties{
		TmUniqueNameProperty: strings.Repeat("t", xa.MaxResourceNameSize+1),
		LogBaseDirProperty:   dir,
	}))
	assert.ErrorIs(t, err, xa.ErrConfiguration)

	service, err := AssembleRecoveryService(ctx, DefaultConfigProperties().With(ConfigProperties{
		TmUniqueNameProperty:  "tm1",
		LogBaseDirProperty:    dir,
		RecoveryDelayProperty: "50ms",
	}))
	if err != nil {
		t.Error(err)
		return
	}
	defer service.Close()
	assert.Equal(t, "tm1", service.Name())
	assert.Equal(t, 50*time.Millisecond, service.opts.RecoveryDelay)
	assert.NoError(t, service.Recover(ctx))
}
