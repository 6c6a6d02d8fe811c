package dao

import "gorm.io/gorm"

type QueryOption func(db *gorm.DB) *gorm.DB

func WithID(id uint) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("id = ?", id)
	}
}

func WithBizID(bizID string) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("biz_id = ?", bizID)
	}
}

func WithStatus(status string) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("status = ?", status)
	}
}
