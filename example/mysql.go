package example

import (
	"context"
	"database/sql"

	"gorm.io/gorm"

	"github.com/xiaoxuxiansheng/goxa"
	"github.com/xiaoxuxiansheng/goxa/example/dao"
	"github.com/xiaoxuxiansheng/goxa/example/pkg"
	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

const MySQLImplementation = "mysql"

// MySQLResourceManager 基于 mysql 原生 xa 语句的资源管理器，绑定一个会话
type MySQLResourceManager struct {
	instance string
	dao      *dao.XADAO
}

func NewMySQLResourceManager(instance string, db *gorm.DB) *MySQLResourceManager {
	return &MySQLResourceManager{
		instance: instance,
		dao:      dao.NewXADAO(db),
	}
}

// NewMySQLConnector 每次刷新从连接池中独占一个新的会话
// TODO: 被替换掉的旧会话没有归还连接池，需要协调器在刷新时关闭旧的资源管理器
func NewMySQLConnector(instance string, sqlDB *sql.DB) goxa.Connector {
	return goxa.ConnectorFunc(func(ctx context.Context) (xa.ResourceManager, error) {
		conn, err := sqlDB.Conn(ctx)
		if err != nil {
			return nil, err
		}
		db, err := pkg.NewDBWithConn(conn)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		return NewMySQLResourceManager(instance, db), nil
	})
}

// DB 分支内的业务读写需要使用同一个会话
func (m *MySQLResourceManager) DB() *gorm.DB {
	return m.dao.DB()
}

func (m *MySQLResourceManager) Descriptor() xa.Descriptor {
	return xa.Descriptor{
		Implementation: MySQLImplementation,
		Instance:       m.instance,
	}
}

func (m *MySQLResourceManager) IsSameRM(other xa.ResourceManager) (bool, error) {
	o, ok := other.(*MySQLResourceManager)
	if !ok {
		return false, nil
	}
	if o == m {
		if err := m.dao.Ping(context.Background()); err != nil {
			return false, err
		}
		return true, nil
	}
	return o.instance == m.instance, nil
}

func (m *MySQLResourceManager) Start(ctx context.Context, xid xa.Xid, flags xa.Flags) error {
	return m.dao.Start(ctx, xid, flags&xa.TMJoin != 0, flags&xa.TMResume != 0)
}

// End mysql 没有 TMFAIL 语义，失败的分支由随后的 rollback 处理
func (m *MySQLResourceManager) End(ctx context.Context, xid xa.Xid, flags xa.Flags) error {
	return m.dao.End(ctx, xid, flags&xa.TMSuspend != 0)
}

func (m *MySQLResourceManager) Prepare(ctx context.Context, xid xa.Xid) (xa.Vote, error) {
	if err := m.dao.Prepare(ctx, xid); err != nil {
		return xa.VoteOK, err
	}
	return xa.VoteOK, nil
}

func (m *MySQLResourceManager) Commit(ctx context.Context, xid xa.Xid, onePhase bool) error {
	return m.dao.Commit(ctx, xid, onePhase)
}

func (m *MySQLResourceManager) Rollback(ctx context.Context, xid xa.Xid) error {
	return m.dao.Rollback(ctx, xid)
}

// Forget mysql 不会启发式地完成分支
func (m *MySQLResourceManager) Forget(ctx context.Context, xid xa.Xid) error {
	log.DebugContextf(ctx, "mysql %s: forget %s ignored", m.instance, xid)
	return nil
}

// Recover mysql 一次返回全部结果，不支持游标，只在开始扫描时查询
func (m *MySQLResourceManager) Recover(ctx context.Context, flags xa.Flags) ([]xa.Xid, error) {
	if flags&xa.TMStartRScan == 0 {
		return nil, nil
	}

	records, err := m.dao.Recover(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, xa.ErrNoRecoverableXids
	}

	xids := make([]xa.Xid, 0, len(records))
	for _, record := range records {
		xid, err := record.Xid()
		if err != nil {
			log.WarnContextf(ctx, "mysql %s: skip xa recover row, err: %v", m.instance, err)
			continue
		}
		xids = append(xids, xid)
	}
	return xids, nil
}
