package example

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/xiaoxuxiansheng/goxa"
	"github.com/xiaoxuxiansheng/goxa/example/dao"
	"github.com/xiaoxuxiansheng/goxa/example/pkg"
	"github.com/xiaoxuxiansheng/goxa/log"
)

const (
	dsn      = "请输入 mysql dsn"
	network  = "tcp"
	address  = "请输入 redis ip:port"
	password = "请输入 redis 密码"
)

// Run 示例：订单库与消息队列组成一个 xa 事务
func Run(ctx context.Context, bizID string) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second*30)
	defer cancel()

	// 构造事务日志与恢复服务
	props := goxa.DefaultConfigProperties().With(goxa.ConfigProperties{
		goxa.TmUniqueNameProperty:  "example-tm",
		goxa.RecoveryDelayProperty: "5s",
	})
	service, err := goxa.AssembleRecoveryService(ctx, props)
	if err != nil {
		return err
	}
	defer service.Close()

	mysqlDB, err := pkg.NewDB(dsn, &gorm.Config{})
	if err != nil {
		return err
	}
	sqlDB, err := mysqlDB.DB()
	if err != nil {
		return err
	}
	redisClient := pkg.NewRedisClient(network, address, password)

	// 构造出对应的资源
	orders, err := goxa.NewResourceCoordinator("orders", NewMySQLConnector("orders", sqlDB))
	if err != nil {
		return err
	}
	defer orders.Close()
	queue, err := goxa.NewResourceCoordinator("queue", NewRedisQueueConnector(NewRedisQueueManager("queue", redisClient)))
	if err != nil {
		return err
	}
	defer queue.Close()

	// 完成各资源的注册
	if err := service.Register(orders); err != nil {
		return err
	}
	if err := service.Register(queue); err != nil {
		return err
	}

	// 处理上次退出时遗留的分支
	if err := service.Recover(ctx); err != nil {
		log.WarnContextf(ctx, "startup recovery incomplete, err: %v", err)
	}
	service.Start()

	tx := NewTransaction(uuid.NewString())
	order := dao.OrderPO{
		BizID:  bizID,
		Status: "created",
	}
	if err := PlaceOrder(ctx, orders, queue, tx, &order, bizID); err != nil {
		return err
	}
	log.InfoContextf(ctx, "tx %s: order %d placed", tx.Tid(), order.ID)
	return nil
}
