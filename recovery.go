package goxa

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// ScanXids 分批拉取资源管理器上的 in-doubt xid：
// 首批使用 TMSTARTRSCAN，之后使用 TMNOFLAGS，直到某一批为空或者全部重复，最后以 TMENDRSCAN 结束扫描.
// 每个 xid 只会交给 visit 一次，是否认领由调用方决定.
func ScanXids(ctx context.Context, rm xa.ResourceManager, visit func(xid xa.Xid)) error {
	seen := make(map[string]struct{})
	flags := xa.TMStartRScan
	for {
		batch, err := recoverBatch(ctx, rm, flags)
		if err != nil {
			return err
		}
		flags = xa.TMNoFlags

		fresh := 0
		for _, xid := range batch {
			key := xid.Key()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			fresh++
			visit(xid)
		}
		if fresh == 0 {
			break
		}
	}

	// 部分厂商不支持单独结束扫描，失败只记录
	if _, err := recoverBatch(ctx, rm, xa.TMEndRScan); err != nil {
		log.WarnContextf(ctx, "end recovery scan on %s failed, err: %v", rm.Descriptor(), err)
	}
	return nil
}

func recoverBatch(ctx context.Context, rm xa.ResourceManager, flags xa.Flags) ([]xa.Xid, error) {
	batch, err := rm.Recover(ctx, flags)
	if errors.Is(err, xa.ErrNoRecoverableXids) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: recover with flags %#x on %s: %v", xa.ErrResource, int(flags), rm.Descriptor(), err)
	}
	return batch, nil
}

// recoveryScan 单轮恢复的状态，由协调器的 recoveryMux 保护
type recoveryScan struct {
	phase RecoveryPhase
	xids  map[string]xa.Xid
}

func newRecoveryScan() *recoveryScan {
	return &recoveryScan{
		phase: RecoveryUnstarted,
	}
}

func (r *recoveryScan) reconciled(xids map[string]xa.Xid) {
	if xids == nil {
		xids = make(map[string]xa.Xid)
	}
	r.xids = xids
	r.phase = RecoveryReconciled
}

// claim 认领成功后从集合中移除
func (r *recoveryScan) claim(xid xa.Xid) bool {
	key := xid.Key()
	if _, ok := r.xids[key]; !ok {
		return false
	}
	delete(r.xids, key)
	return true
}

func (r *recoveryScan) unclaimed() []xa.Xid {
	keys := make([]string, 0, len(r.xids))
	for key := range r.xids {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	xids := make([]xa.Xid, 0, len(keys))
	for _, key := range keys {
		xids = append(xids, r.xids[key])
	}
	return xids
}

func (r *recoveryScan) reset() {
	r.phase = RecoveryUnstarted
	r.xids = nil
}
