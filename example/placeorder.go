package example

import (
	"context"
	"errors"
	"fmt"

	"github.com/xiaoxuxiansheng/goxa"
	"github.com/xiaoxuxiansheng/goxa/example/dao"
	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// Transaction 示例中只有根事务，没有嵌套
type Transaction struct {
	tid string
}

func NewTransaction(tid string) *Transaction {
	return &Transaction{
		tid: tid,
	}
}

func (t *Transaction) Tid() string {
	return t.tid
}

func (t *Transaction) IsRoot() bool {
	return true
}

func (t *Transaction) Lineage() []goxa.CompositeTransaction {
	return nil
}

// PlaceOrder 在一个全局事务中写入订单并发送消息，两者要么都生效要么都不生效
func PlaceOrder(ctx context.Context, orders, queue *goxa.ResourceCoordinator, tx *Transaction, order *dao.OrderPO, message string) (err error) {
	ctx = log.WithFields(ctx, "tid", tx.Tid())
	defer orders.TerminatedRoot(tx.Tid())
	defer queue.TerminatedRoot(tx.Tid())

	orderBranch, err := orders.ResourceTransaction(ctx, tx)
	if err != nil {
		return err
	}
	queueBranch, err := queue.ResourceTransaction(ctx, tx)
	if err != nil {
		return err
	}
	branches := []*goxa.ResourceBranch{orderBranch, queueBranch}

	var decided bool
	defer func() {
		if err == nil || decided {
			return
		}
		for _, branch := range branches {
			if branch.State() == goxa.BranchTerminated {
				continue
			}
			if rerr := branch.Rollback(ctx); rerr != nil {
				log.ErrorContextf(ctx, "rollback branch %s failed, err: %v", branch, rerr)
			}
		}
	}()

	if err = writeOrder(ctx, orders, orderBranch, order); err != nil {
		return err
	}
	if err = sendMessage(ctx, queue, queueBranch, message); err != nil {
		return err
	}

	// 第一阶段
	prepared := make([]*goxa.ResourceBranch, 0, len(branches))
	for _, branch := range branches {
		vote, perr := branch.Prepare(ctx)
		if perr != nil {
			err = fmt.Errorf("prepare branch %s: %w", branch, perr)
			return err
		}
		if vote == xa.VoteOK {
			prepared = append(prepared, branch)
		}
	}

	// 第二阶段，提交决定落盘后失败的分支交由恢复流程继续提交
	decided = true
	var commitErr error
	for _, branch := range prepared {
		if cerr := branch.Commit(ctx, false); cerr != nil {
			log.ErrorContextf(ctx, "commit branch %s failed, err: %v", branch, cerr)
			commitErr = errors.Join(commitErr, cerr)
		}
	}
	if commitErr != nil {
		return &HeuristicError{Tid: tx.Tid(), Err: commitErr}
	}
	return nil
}

// HeuristicError 提交阶段部分失败，事务结果已经确定为提交，不能再回滚
type HeuristicError struct {
	Tid string
	Err error
}

func (h *HeuristicError) Error() string {
	return fmt.Sprintf("tx %s committed with pending branches: %v", h.Tid, h.Err)
}

func (h *HeuristicError) Unwrap() error {
	return h.Err
}

func writeOrder(ctx context.Context, orders *goxa.ResourceCoordinator, branch *goxa.ResourceBranch, order *dao.OrderPO) error {
	if err := branch.Start(ctx); err != nil {
		return err
	}
	rm, err := orders.XAResource(ctx)
	if err != nil {
		return err
	}
	mysqlRM, ok := rm.(*MySQLResourceManager)
	if !ok {
		return fmt.Errorf("resource %s is not backed by mysql", orders.Name())
	}
	if _, err := dao.NewOrderDAO(mysqlRM.DB()).CreateOrder(ctx, order); err != nil {
		return err
	}
	return branch.End(ctx, true)
}

func sendMessage(ctx context.Context, queue *goxa.ResourceCoordinator, branch *goxa.ResourceBranch, message string) error {
	if err := branch.Start(ctx); err != nil {
		return err
	}
	rm, err := queue.XAResource(ctx)
	if err != nil {
		return err
	}
	queueRM, ok := rm.(*RedisQueueManager)
	if !ok {
		return fmt.Errorf("resource %s is not backed by redis queue", queue.Name())
	}
	if err := queueRM.Enqueue(ctx, branch.Xid(), message); err != nil {
		return err
	}
	return branch.End(ctx, true)
}
