package goxa

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

type resourceRegistry struct {
	mux          sync.RWMutex
	coordinators map[string]*ResourceCoordinator
}

func newResourceRegistry() *resourceRegistry {
	return &resourceRegistry{
		coordinators: make(map[string]*ResourceCoordinator),
	}
}

func (r *resourceRegistry) register(coordinator *ResourceCoordinator) error {
	if coordinator == nil {
		return errors.New("nil resource coordinator")
	}

	r.mux.Lock()
	defer r.mux.Unlock()
	if _, ok := r.coordinators[coordinator.Name()]; ok {
		return fmt.Errorf("repeat resource name: %s", coordinator.Name())
	}
	r.coordinators[coordinator.Name()] = coordinator
	return nil
}

func (r *resourceRegistry) unregister(name string) {
	r.mux.Lock()
	defer r.mux.Unlock()
	delete(r.coordinators, name)
}

func (r *resourceRegistry) getCoordinator(name string) (*ResourceCoordinator, error) {
	r.mux.RLock()
	defer r.mux.RUnlock()
	coordinator, ok := r.coordinators[name]
	if !ok {
		return nil, fmt.Errorf("resource: %s not existed", name)
	}
	return coordinator, nil
}

// 按名称排序，保证恢复的顺序稳定
func (r *resourceRegistry) getCoordinators() []*ResourceCoordinator {
	r.mux.RLock()
	defer r.mux.RUnlock()

	coordinators := make([]*ResourceCoordinator, 0, len(r.coordinators))
	for _, coordinator := range r.coordinators {
		coordinators = append(coordinators, coordinator)
	}
	sort.Slice(coordinators, func(i, j int) bool {
		return coordinators[i].Name() < coordinators[j].Name()
	})
	return coordinators
}
