package xa

import (
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
)

// bqual 中分支标识之后预留的后缀长度，即 int64 最大值的十进制位数
var BranchSuffixSize = len(strconv.FormatInt(math.MaxInt64, 10))

// MaxResourceNameSize 资源名称的最大字节数
var MaxResourceNameSize = MaxBqualSize - BranchSuffixSize

// XidFactory 根据事务 id 与分支标识构造 xid
type XidFactory interface {
	CreateXid(tid string, branchIdentifier string) (Xid, error)
}

// XidFactoryFunc 函数适配
type XidFactoryFunc func(tid string, branchIdentifier string) (Xid, error)

func (f XidFactoryFunc) CreateXid(tid string, branchIdentifier string) (Xid, error) {
	return f(tid, branchIdentifier)
}

type defaultXidFactory struct {
	resourceName string
	formatID     int32
}

// NewXidFactory 默认实现：
// gtrid 为事务 id 原文；
// bqual 为分支标识 + 固定 19 位的十进制后缀，后缀由 (资源名, 事务 id) 哈希得到，
// 同样的入参总是得到字节完全一致的 xid，崩溃后资源管理器上报的 xid 能够与之对上.
func NewXidFactory(resourceName string) XidFactory {
	return &defaultXidFactory{
		resourceName: resourceName,
		formatID:     DefaultFormatID,
	}
}

func (d *defaultXidFactory) CreateXid(tid string, branchIdentifier string) (Xid, error) {
	if tid == "" {
		return Xid{}, fmt.Errorf("%w: empty transaction id", ErrConfiguration)
	}
	if len(tid) > MaxGtridSize {
		return Xid{}, fmt.Errorf("%w: transaction id %q exceeds %d bytes", ErrConfiguration, tid, MaxGtridSize)
	}
	if len(branchIdentifier)+BranchSuffixSize > MaxBqualSize {
		return Xid{}, fmt.Errorf("%w: branch identifier %q exceeds %d bytes", ErrConfiguration, branchIdentifier, MaxBqualSize-BranchSuffixSize)
	}

	bqual := make([]byte, 0, len(branchIdentifier)+BranchSuffixSize)
	bqual = append(bqual, branchIdentifier...)
	bqual = append(bqual, fmt.Sprintf("%0*d", BranchSuffixSize, d.suffix(tid))...)
	return Xid{
		FormatID:            d.formatID,
		GlobalTransactionID: []byte(tid),
		BranchQualifier:     bqual,
	}, nil
}

func (d *defaultXidFactory) suffix(tid string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(d.resourceName))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(tid))
	return int64(h.Sum64() & math.MaxInt64)
}
