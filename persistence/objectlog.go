package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// ObjectLog 在 LogStream 之上维护存活快照集合，并按 flush 次数做 checkpoint.
// 所有写操作串行化：flush A 返回之后才开始的 flush B，回放时一定排在 A 之后.
type ObjectLog struct {
	mux                sync.Mutex
	stream             LogStream
	checkpointInterval int64
	flushes            int64
	live               map[string]*StateImage
	closed             bool
	metrics            *logMetrics
}

func NewObjectLog(stream LogStream, checkpointInterval int64) *ObjectLog {
	return &ObjectLog{
		stream:             stream,
		checkpointInterval: checkpointInterval,
		live:               make(map[string]*StateImage),
		metrics:            newLogMetrics(),
	}
}

// Init 从最后一个 checkpoint 开始回放日志，重建存活快照集合
func (o *ObjectLog) Init(ctx context.Context) error {
	o.mux.Lock()
	defer o.mux.Unlock()

	start := time.Now()
	live := make(map[string]*StateImage)
	var records int
	err := o.stream.Replay(func(record *Record) error {
		records++
		switch record.Op {
		case OpCheckpoint:
			live = make(map[string]*StateImage)
		case OpWrite:
			live[record.ID] = record.image()
		case OpDelete:
			delete(live, record.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: replay: %w", xa.ErrLog, err)
	}
	o.live = live
	o.flushes = 0
	o.metrics.recordReplay(ctx, records, time.Since(start))
	log.InfoContextf(ctx, "object log replayed %d records, %d live images", records, len(live))
	return nil
}

// Flush 追加一条快照记录，返回前已落盘
func (o *ObjectLog) Flush(ctx context.Context, img *StateImage) error {
	o.mux.Lock()
	defer o.mux.Unlock()
	if o.closed {
		return fmt.Errorf("%w: object log is closed", xa.ErrIllegalState)
	}

	start := time.Now()
	img = img.clone()
	if err := o.stream.Append(writeRecord(img)); err != nil {
		return fmt.Errorf("%w: flush %s: %w", xa.ErrLog, img.ID, err)
	}
	o.live[img.ID] = img
	o.flushes++
	o.metrics.recordFlush(ctx, time.Since(start))

	// 记录已经落盘，checkpoint 失败不影响本次写入，flushes 保留到下次再试
	if o.checkpointInterval > 0 && o.flushes >= o.checkpointInterval {
		if err := o.checkpoint(ctx); err != nil {
			log.WarnContextf(ctx, "object log checkpoint after flush %s failed, will retry: %v", img.ID, err)
		}
	}
	return nil
}

// Delete 删除快照，id 不存在时直接返回
func (o *ObjectLog) Delete(ctx context.Context, id string) error {
	o.mux.Lock()
	defer o.mux.Unlock()
	if o.closed {
		return fmt.Errorf("%w: object log is closed", xa.ErrIllegalState)
	}

	if _, ok := o.live[id]; !ok {
		return nil
	}
	if err := o.stream.Append(&Record{Op: OpDelete, ID: id}); err != nil {
		return fmt.Errorf("%w: delete %s: %w", xa.ErrLog, id, err)
	}
	delete(o.live, id)
	o.metrics.recordDelete(ctx)
	return nil
}

// Checkpoint 主动做一次 checkpoint
func (o *ObjectLog) Checkpoint(ctx context.Context) error {
	o.mux.Lock()
	defer o.mux.Unlock()
	if o.closed {
		return fmt.Errorf("%w: object log is closed", xa.ErrIllegalState)
	}
	return o.checkpoint(ctx)
}

func (o *ObjectLog) checkpoint(ctx context.Context) error {
	if err := o.stream.Checkpoint(o.sortedImages()); err != nil {
		return fmt.Errorf("%w: checkpoint: %w", xa.ErrLog, err)
	}
	o.flushes = 0
	o.metrics.recordCheckpoint(ctx)
	log.DebugContextf(ctx, "object log checkpoint written with %d live images", len(o.live))
	return nil
}

// Recover 返回全部存活快照，按 id 排序
func (o *ObjectLog) Recover(ctx context.Context) ([]*StateImage, error) {
	o.mux.Lock()
	defer o.mux.Unlock()
	if o.closed {
		return nil, fmt.Errorf("%w: object log is closed", xa.ErrIllegalState)
	}

	images := o.sortedImages()
	for i, img := range images {
		images[i] = img.clone()
	}
	return images, nil
}

// RecoverID 返回指定 id 的快照，不存在时返回 nil
func (o *ObjectLog) RecoverID(ctx context.Context, id string) (*StateImage, error) {
	o.mux.Lock()
	defer o.mux.Unlock()
	if o.closed {
		return nil, fmt.Errorf("%w: object log is closed", xa.ErrIllegalState)
	}

	img, ok := o.live[id]
	if !ok {
		return nil, nil
	}
	return img.clone(), nil
}

func (o *ObjectLog) sortedImages() []*StateImage {
	images := make([]*StateImage, 0, len(o.live))
	for _, img := range o.live {
		images = append(images, img)
	}
	sort.Slice(images, func(i, j int) bool {
		return images[i].ID < images[j].ID
	})
	return images
}

func (o *ObjectLog) Close() error {
	o.mux.Lock()
	defer o.mux.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	return o.stream.Close()
}
