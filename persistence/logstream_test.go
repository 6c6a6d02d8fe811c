package persistence

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/agiledragon/gomonkey/v2"
	"github.com/stretchr/testify/assert"

	"github.com/xiaoxuxiansheng/goxa/xa"
)

func Test_FileLogStream_AppendReplay(t *testing.T) {
	dir := t.TempDir()
	stream, err := OpenFileLogStream(dir, "tmlog")
	assert.Nil(t, err)

	assert.Nil(t, stream.Append(&Record{Op: OpWrite, ID: "a", State: statePrepared, Data: []byte("1")}))
	assert.Nil(t, stream.Append(&Record{Op: OpWrite, ID: "b", State: statePrepared, Data: []byte("2")}))
	assert.Nil(t, stream.Append(&Record{Op: OpDelete, ID: "a"}))
	assert.Nil(t, stream.Close())

	reopened, err := OpenFileLogStream(dir, "tmlog")
	assert.Nil(t, err)
	defer reopened.Close()

	var ops []Op
	var ids []string
	assert.Nil(t, reopened.Replay(func(record *Record) error {
		ops = append(ops, record.Op)
		ids = append(ids, record.ID)
		return nil
	}))
	assert.Equal(t, []Op{OpWrite, OpWrite, OpDelete}, ops)
	assert.Equal(t, []string{"a", "b", "a"}, ids)
}

func Test_FileLogStream_TornTail(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	stream, err := OpenFileLogStream(dir, "tmlog")
	assert.Nil(t, err)
	assert.Nil(t, stream.Append(&Record{Op: OpWrite, ID: "a", State: statePrepared, Data: []byte("1")}))
	info, err := os.Stat(stream.Path())
	assert.Nil(t, err)
	assert.Nil(t, stream.Close())

	// 模拟崩溃时写了一半的记录
	partial := encodeRecord(&Record{Op: OpWrite, ID: "b", State: statePrepared, Data: []byte("2")})
	fd, err := os.OpenFile(stream.Path(), os.O_WRONLY|os.O_APPEND, LogFilePerm)
	assert.Nil(t, err)
	_, err = fd.Write(partial[:len(partial)-2])
	assert.Nil(t, err)
	assert.Nil(t, fd.Close())

	reopened, err := OpenFileLogStream(dir, "tmlog")
	assert.Nil(t, err)
	o := NewObjectLog(reopened, 0)
	assert.Nil(t, o.Init(ctx))
	assert.Equal(t, map[string]string{"a": "prepared/1"}, liveSet(t, o))

	truncated, err := os.Stat(reopened.Path())
	assert.Nil(t, err)
	assert.Equal(t, info.Size(), truncated.Size())

	// 截断之后继续追加，回放结果依然正确
	assert.Nil(t, o.Flush(ctx, &StateImage{ID: "c", State: statePrepared, Data: []byte("3")}))
	assert.Nil(t, o.Close())

	again, err := OpenFileLogStream(dir, "tmlog")
	assert.Nil(t, err)
	o = NewObjectLog(again, 0)
	assert.Nil(t, o.Init(ctx))
	assert.Equal(t, map[string]string{"a": "prepared/1", "c": "prepared/3"}, liveSet(t, o))
	assert.Nil(t, o.Close())
}

func Test_FileLogStream_CorruptMiddle(t *testing.T) {
	dir := t.TempDir()
	stream, err := OpenFileLogStream(dir, "tmlog")
	assert.Nil(t, err)
	assert.Nil(t, stream.Append(&Record{Op: OpWrite, ID: "a", State: statePrepared, Data: []byte("1")}))
	assert.Nil(t, stream.Append(&Record{Op: OpWrite, ID: "b", State: statePrepared, Data: []byte("2")}))
	assert.Nil(t, stream.Close())

	content, err := os.ReadFile(stream.Path())
	assert.Nil(t, err)
	first := encodeRecord(&Record{Op: OpWrite, ID: "a", State: statePrepared, Data: []byte("1")})
	content[len(first)-1] ^= 0xff
	assert.Nil(t, os.WriteFile(stream.Path(), content, LogFilePerm))

	reopened, err := OpenFileLogStream(dir, "tmlog")
	assert.Nil(t, err)
	defer reopened.Close()
	err = NewObjectLog(reopened, 0).Init(context.Background())
	assert.ErrorIs(t, err, xa.ErrLog)
}

func Test_FileLogStream_CorruptSize(t *testing.T) {
	dir := t.TempDir()
	stream, err := OpenFileLogStream(dir, "tmlog")
	assert.Nil(t, err)
	for _, id := range []string{"a", "b", "c"} {
		assert.Nil(t, stream.Append(&Record{Op: OpWrite, ID: id, State: statePrepared, Data: []byte(id)}))
	}
	assert.Nil(t, stream.Close())

	// 第二条记录的 data size 被改大，body 会越过文件末尾
	content, err := os.ReadFile(stream.Path())
	assert.Nil(t, err)
	first := encodeRecord(&Record{Op: OpWrite, ID: "a", State: statePrepared, Data: []byte("a")})
	content[len(first)+7] = 0x7f
	assert.Nil(t, os.WriteFile(stream.Path(), content, LogFilePerm))

	reopened, err := OpenFileLogStream(dir, "tmlog")
	assert.Nil(t, err)
	defer reopened.Close()
	err = NewObjectLog(reopened, 0).Init(context.Background())
	assert.ErrorIs(t, err, xa.ErrLog)

	// 损坏的日志不能被截断
	info, err := os.Stat(reopened.Path())
	assert.Nil(t, err)
	assert.Equal(t, int64(len(content)), info.Size())
}

func Test_FileLogStream_CorruptTail(t *testing.T) {
	dir := t.TempDir()
	stream, err := OpenFileLogStream(dir, "tmlog")
	assert.Nil(t, err)
	assert.Nil(t, stream.Append(&Record{Op: OpWrite, ID: "a", State: statePrepared, Data: []byte("1")}))
	assert.Nil(t, stream.Append(&Record{Op: OpWrite, ID: "b", State: statePrepared, Data: []byte("2")}))
	assert.Nil(t, stream.Close())

	// 完整写入的最后一条记录校验失败，同样不能当作写了一半
	content, err := os.ReadFile(stream.Path())
	assert.Nil(t, err)
	content[len(content)-1] ^= 0xff
	assert.Nil(t, os.WriteFile(stream.Path(), content, LogFilePerm))

	reopened, err := OpenFileLogStream(dir, "tmlog")
	assert.Nil(t, err)
	defer reopened.Close()
	assert.ErrorIs(t, reopened.Replay(func(record *Record) error { return nil }), xa.ErrLog)

	info, err := os.Stat(reopened.Path())
	assert.Nil(t, err)
	assert.Equal(t, int64(len(content)), info.Size())
}

func Test_FileLogStream_CheckpointSyncDirFailure(t *testing.T) {
	dir := t.TempDir()
	stream, err := OpenFileLogStream(dir, "tmlog")
	assert.Nil(t, err)
	assert.Nil(t, stream.Append(&Record{Op: OpWrite, ID: "a", State: statePrepared, Data: []byte("1")}))

	patch := gomonkey.ApplyFunc(os.Open, func(name string) (*os.File, error) {
		if name == dir {
			return nil, errors.New("permission denied")
		}
		return os.OpenFile(name, os.O_RDONLY, 0)
	})
	err = stream.Checkpoint([]*StateImage{
		{ID: "a", State: statePrepared, Data: []byte("1")},
		{ID: "b", State: statePrepared, Data: []byte("2")},
	})
	patch.Reset()
	assert.ErrorIs(t, err, xa.ErrLog)

	// rename 已经完成，之后的追加必须写进新文件
	assert.Nil(t, stream.Append(&Record{Op: OpDelete, ID: "a"}))
	assert.Nil(t, stream.Close())

	reopened, err := OpenFileLogStream(dir, "tmlog")
	assert.Nil(t, err)
	defer reopened.Close()
	var ops []Op
	var ids []string
	assert.Nil(t, reopened.Replay(func(record *Record) error {
		ops = append(ops, record.Op)
		ids = append(ids, record.ID)
		return nil
	}))
	assert.Equal(t, []Op{OpCheckpoint, OpWrite, OpWrite, OpDelete}, ops)
	assert.Equal(t, []string{"", "a", "b", "a"}, ids)
}

func Test_FileLogStream_Checkpoint(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	stream, err := OpenFileLogStream(dir, "tmlog")
	assert.Nil(t, err)
	o := NewObjectLog(stream, 4)
	assert.Nil(t, o.Init(ctx))

	for i, id := range []string{"a", "b", "a", "c"} {
		assert.Nil(t, o.Flush(ctx, &StateImage{ID: id, State: statePrepared, Data: []byte{byte('0' + i)}}))
	}
	assert.Nil(t, o.Delete(ctx, "b"))
	assert.Nil(t, o.Close())

	_, err = os.Stat(stream.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err))

	var ops []Op
	reopened, err := OpenFileLogStream(dir, "tmlog")
	assert.Nil(t, err)
	assert.Nil(t, reopened.Replay(func(record *Record) error {
		ops = append(ops, record.Op)
		return nil
	}))
	// checkpoint 标记 + a b c 三个快照 + 之后的 delete b
	assert.Equal(t, []Op{OpCheckpoint, OpWrite, OpWrite, OpWrite, OpDelete}, ops)

	o = NewObjectLog(reopened, 4)
	assert.Nil(t, o.Init(ctx))
	assert.Equal(t, map[string]string{"a": "prepared/2", "c": "prepared/3"}, liveSet(t, o))
	assert.Nil(t, o.Close())

	assert.ErrorIs(t, reopened.Append(&Record{Op: OpDelete, ID: "a"}), xa.ErrIllegalState)
}
