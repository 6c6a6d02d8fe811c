package dao

import (
	"context"

	"gorm.io/gorm"
)

// OrderPO 示例业务表，在 xa 分支内写入
type OrderPO struct {
	gorm.Model
	BizID  string `gorm:"biz_id"`
	Status string `gorm:"status"`
}

func (o OrderPO) TableName() string {
	return "xa_order"
}

type OrderDAO struct {
	db *gorm.DB
}

func NewOrderDAO(db *gorm.DB) *OrderDAO {
	return &OrderDAO{
		db: db,
	}
}

func (o *OrderDAO) GetOrders(ctx context.Context, opts ...QueryOption) ([]*OrderPO, error) {
	db := o.db.WithContext(ctx).Model(&OrderPO{})
	for _, opt := range opts {
		db = opt(db)
	}

	var orders []*OrderPO
	return orders, db.Scan(&orders).Error
}

func (o *OrderDAO) CreateOrder(ctx context.Context, order *OrderPO) (uint, error) {
	err := o.db.WithContext(ctx).Model(&OrderPO{}).Create(order).Error
	return order.ID, err
}
