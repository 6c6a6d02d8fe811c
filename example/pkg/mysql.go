package pkg

import (
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func NewDB(dsn string, opts ...gorm.Option) (*gorm.DB, error) {
	return gorm.Open(mysql.Open(dsn), opts...)
}

// NewDBWithConn 在指定的连接上构造 gorm.DB.
// xa 语句与会话绑定，同一个分支上的所有语句必须走同一个连接.
func NewDBWithConn(conn gorm.ConnPool) (*gorm.DB, error) {
	return gorm.Open(mysql.New(mysql.Config{
		Conn:                      conn,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{
		DisableAutomaticPing:   true,
		SkipDefaultTransaction: true,
	})
}
