package goxa

import (
	"context"
	"sync"

	"github.com/xiaoxuxiansheng/goxa/log"
)

// siblingMapper 同一个根事务下的所有子事务在一个资源上只使用一个分支
type siblingMapper struct {
	mux         sync.Mutex
	coordinator *ResourceCoordinator
	root        string
	branch      *ResourceBranch
}

func newSiblingMapper(coordinator *ResourceCoordinator, root string) *siblingMapper {
	return &siblingMapper{
		coordinator: coordinator,
		root:        root,
	}
}

func (s *siblingMapper) findOrCreateBranch(ctx context.Context) (*ResourceBranch, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.branch != nil {
		return s.branch, nil
	}

	branch, err := s.coordinator.newBranch(s.root)
	if err != nil {
		return nil, err
	}
	s.branch = branch
	log.DebugContextf(ctx, "resource %s: created branch %s for root %s", s.coordinator.Name(), branch.Xid(), s.root)
	return branch, nil
}

func (s *siblingMapper) current() *ResourceBranch {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.branch
}
