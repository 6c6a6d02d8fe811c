package xa

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

const (
	// xid 中 gtrid 的最大字节数
	MaxGtridSize = 64
	// xid 中 bqual 的最大字节数
	MaxBqualSize = 64
	// 默认的 format id
	DefaultFormatID int32 = 0x41544f4d
)

// Xid 全局事务标识，对应一个资源管理器上的一个 xa 分支
type Xid struct {
	FormatID            int32  `json:"formatID"`
	GlobalTransactionID []byte `json:"gtrid"`
	BranchQualifier     []byte `json:"bqual"`
}

// NewXid 拷贝入参构造 xid，避免外部修改底层数组
func NewXid(formatID int32, gtrid, bqual []byte) Xid {
	return Xid{
		FormatID:            formatID,
		GlobalTransactionID: append([]byte(nil), gtrid...),
		BranchQualifier:     append([]byte(nil), bqual...),
	}
}

// Equal gtrid 与 bqual 逐字节相等即视为同一个 xid
func (x Xid) Equal(other Xid) bool {
	return bytes.Equal(x.GlobalTransactionID, other.GlobalTransactionID) &&
		bytes.Equal(x.BranchQualifier, other.BranchQualifier)
}

// Key 用作 map 的 key，与 Equal 的语义保持一致
func (x Xid) Key() string {
	return hex.EncodeToString(x.GlobalTransactionID) + ":" + hex.EncodeToString(x.BranchQualifier)
}

// HasBranchPrefix bqual 是否以给定的分支标识开头
func (x Xid) HasBranchPrefix(branchIdentifier string) bool {
	return bytes.HasPrefix(x.BranchQualifier, []byte(branchIdentifier))
}

// Validate 校验 xa 规范中的长度限制
func (x Xid) Validate() error {
	if len(x.GlobalTransactionID) == 0 || len(x.GlobalTransactionID) > MaxGtridSize {
		return fmt.Errorf("%w: gtrid length %d out of range (1..%d)", ErrConfiguration, len(x.GlobalTransactionID), MaxGtridSize)
	}
	if len(x.BranchQualifier) > MaxBqualSize {
		return fmt.Errorf("%w: bqual length %d exceeds %d", ErrConfiguration, len(x.BranchQualifier), MaxBqualSize)
	}
	return nil
}

func (x Xid) String() string {
	return fmt.Sprintf("%d:%s:%s", x.FormatID, x.GlobalTransactionID, x.BranchQualifier)
}
