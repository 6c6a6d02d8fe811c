package dao

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/demdxx/gocast"
	"gorm.io/gorm"

	"github.com/xiaoxuxiansheng/goxa/xa"
)

// XARecoverPO XA RECOVER 返回的一行
type XARecoverPO struct {
	FormatID    int
	GtridLength int
	BqualLength int
	Data        string
}

// Xid 按 gtrid_length / bqual_length 切分 data
func (x *XARecoverPO) Xid() (xa.Xid, error) {
	if x.GtridLength < 0 || x.BqualLength < 0 || x.GtridLength+x.BqualLength != len(x.Data) {
		return xa.Xid{}, fmt.Errorf("malformed xa recover row, gtrid_length: %d, bqual_length: %d, data length: %d", x.GtridLength, x.BqualLength, len(x.Data))
	}
	return xa.NewXid(int32(x.FormatID), []byte(x.Data[:x.GtridLength]), []byte(x.Data[x.GtridLength:])), nil
}

// XADAO 在一个 mysql 会话上执行 xa 语句
type XADAO struct {
	db *gorm.DB
}

func NewXADAO(db *gorm.DB) *XADAO {
	return &XADAO{
		db: db,
	}
}

func (x *XADAO) DB() *gorm.DB {
	return x.db
}

// 以十六进制字面量书写 xid，避免转义问题
func xidLiteral(xid xa.Xid) string {
	return fmt.Sprintf("X'%s',X'%s',%d", hex.EncodeToString(xid.GlobalTransactionID), hex.EncodeToString(xid.BranchQualifier), xid.FormatID)
}

func (x *XADAO) exec(ctx context.Context, sql string) error {
	return x.db.WithContext(ctx).Exec(sql).Error
}

func (x *XADAO) Start(ctx context.Context, xid xa.Xid, join, resume bool) error {
	sql := "XA START " + xidLiteral(xid)
	switch {
	case join:
		sql += " JOIN"
	case resume:
		sql += " RESUME"
	}
	return x.exec(ctx, sql)
}

func (x *XADAO) End(ctx context.Context, xid xa.Xid, suspend bool) error {
	sql := "XA END " + xidLiteral(xid)
	if suspend {
		sql += " SUSPEND"
	}
	return x.exec(ctx, sql)
}

func (x *XADAO) Prepare(ctx context.Context, xid xa.Xid) error {
	return x.exec(ctx, "XA PREPARE "+xidLiteral(xid))
}

func (x *XADAO) Commit(ctx context.Context, xid xa.Xid, onePhase bool) error {
	sql := "XA COMMIT " + xidLiteral(xid)
	if onePhase {
		sql += " ONE PHASE"
	}
	return x.exec(ctx, sql)
}

func (x *XADAO) Rollback(ctx context.Context, xid xa.Xid) error {
	return x.exec(ctx, "XA ROLLBACK "+xidLiteral(xid))
}

func (x *XADAO) Ping(ctx context.Context) error {
	return x.exec(ctx, "SELECT 1")
}

// Recover 查询处于 prepared 状态的分支
func (x *XADAO) Recover(ctx context.Context) ([]*XARecoverPO, error) {
	var rows []map[string]interface{}
	if err := x.db.WithContext(ctx).Raw("XA RECOVER").Scan(&rows).Error; err != nil {
		return nil, err
	}

	records := make([]*XARecoverPO, 0, len(rows))
	for _, row := range rows {
		records = append(records, &XARecoverPO{
			FormatID:    gocast.ToInt(row["formatID"]),
			GtridLength: gocast.ToInt(row["gtrid_length"]),
			BqualLength: gocast.ToInt(row["bqual_length"]),
			Data:        toString(row["data"]),
		})
	}
	return records, nil
}

func toString(v interface{}) string {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return gocast.ToString(v)
}
