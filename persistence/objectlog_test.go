package persistence

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xiaoxuxiansheng/goxa/xa"
)

func liveSet(t *testing.T, o *ObjectLog) map[string]string {
	images, err := o.Recover(context.Background())
	assert.Nil(t, err)
	set := make(map[string]string, len(images))
	for _, img := range images {
		set[img.ID] = img.State.String() + "/" + string(img.Data)
	}
	return set
}

func Test_ObjectLog_CheckpointMatchesFullReplay(t *testing.T) {
	ctx := context.Background()
	plain, checkpointed := &memStream{}, &memStream{}
	plainLog, checkpointedLog := NewObjectLog(plain, 0), NewObjectLog(checkpointed, 3)
	assert.Nil(t, plainLog.Init(ctx))
	assert.Nil(t, checkpointedLog.Init(ctx))

	rander := rand.New(rand.NewSource(42))
	expect := make(map[string]string)
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("p-%d", rander.Intn(20))
		if rander.Intn(3) == 0 {
			assert.Nil(t, plainLog.Delete(ctx, id))
			assert.Nil(t, checkpointedLog.Delete(ctx, id))
			delete(expect, id)
			continue
		}
		img := &StateImage{ID: id, State: statePrepared, Data: []byte(fmt.Sprintf("v%d", i))}
		assert.Nil(t, plainLog.Flush(ctx, img))
		assert.Nil(t, checkpointedLog.Flush(ctx, img))
		expect[id] = statePrepared.String() + "/" + string(img.Data)
	}
	assert.Nil(t, checkpointedLog.Checkpoint(ctx))

	// checkpoint 之后日志被截断
	assert.Less(t, checkpointed.len(), plain.len())

	replayedPlain, replayedCheckpointed := NewObjectLog(plain, 0), NewObjectLog(checkpointed, 3)
	assert.Nil(t, replayedPlain.Init(ctx))
	assert.Nil(t, replayedCheckpointed.Init(ctx))
	assert.Equal(t, expect, liveSet(t, replayedPlain))
	assert.Equal(t, expect, liveSet(t, replayedCheckpointed))
}

func Test_ObjectLog_DeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	stream := &memStream{}
	o := NewObjectLog(stream, 0)
	assert.Nil(t, o.Init(ctx))

	assert.Nil(t, o.Delete(ctx, "absent"))
	assert.Equal(t, 0, stream.len())

	assert.Nil(t, o.Flush(ctx, &StateImage{ID: "p", State: statePrepared, Data: []byte("x")}))
	assert.Nil(t, o.Delete(ctx, "p"))
	assert.Nil(t, o.Delete(ctx, "p"))
	assert.Equal(t, 2, stream.len())

	img, err := o.RecoverID(ctx, "p")
	assert.Nil(t, err)
	assert.Nil(t, img)
}

func Test_ObjectLog_Failures(t *testing.T) {
	ctx := context.Background()
	stream := &memStream{}
	o := NewObjectLog(stream, 2)
	assert.Nil(t, o.Init(ctx))

	stream.failAppend = errors.New("disk full")
	err := o.Flush(ctx, &StateImage{ID: "p", State: statePrepared, Data: []byte("x")})
	assert.ErrorIs(t, err, xa.ErrLog)
	img, _ := o.RecoverID(ctx, "p")
	assert.Nil(t, img)

	stream.failAppend = nil
	stream.failCheckpoint = errors.New("rename failed")
	assert.Nil(t, o.Flush(ctx, &StateImage{ID: "p", State: statePrepared, Data: []byte("x")}))
	// checkpoint 失败时记录已经落盘，Flush 依然成功
	assert.Nil(t, o.Flush(ctx, &StateImage{ID: "q", State: statePrepared, Data: []byte("y")}))
	assert.Equal(t, map[string]string{"p": "prepared/x", "q": "prepared/y"}, liveSet(t, o))
	assert.Equal(t, 2, stream.len())

	// 下一次 flush 重试 checkpoint
	stream.failCheckpoint = nil
	assert.Nil(t, o.Flush(ctx, &StateImage{ID: "r", State: statePrepared, Data: []byte("z")}))
	assert.Equal(t, 4, stream.len())
	assert.Equal(t, OpCheckpoint, stream.records[0].Op)

	assert.Nil(t, o.Close())
	assert.True(t, stream.closed)
	err = o.Flush(ctx, &StateImage{ID: "s", State: statePrepared})
	assert.ErrorIs(t, err, xa.ErrIllegalState)
	assert.ErrorIs(t, o.Delete(ctx, "p"), xa.ErrIllegalState)
	_, err = o.Recover(ctx)
	assert.ErrorIs(t, err, xa.ErrIllegalState)
}

func Test_ObjectLog_ImagesAreCopied(t *testing.T) {
	ctx := context.Background()
	o := NewObjectLog(&memStream{}, 0)
	assert.Nil(t, o.Init(ctx))

	data := []byte("image")
	assert.Nil(t, o.Flush(ctx, &StateImage{ID: "p", State: statePrepared, Data: data}))
	data[0] = 'X'

	img, err := o.RecoverID(ctx, "p")
	assert.Nil(t, err)
	assert.Equal(t, []byte("image"), img.Data)
}
