package services

import (
	"context"
	"fmt"
)

// ResourceManager bounds concurrent outbound work with a semaphore.
// Used by the lookup service (chunk fetches) and the publish worker
// (per-row delivery).
type ResourceManager struct {
	semaphore chan struct{}
}

// NewResourceManager creates a new resource manager
func NewResourceManager(maxConcurrent int) *ResourceManager {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &ResourceManager{
		semaphore: make(chan struct{}, maxConcurrent),
	}
}

// Acquire acquires a slot, blocking until one frees or ctx is done
func (rm *ResourceManager) Acquire(ctx context.Context) error {
	select {
	case rm.semaphore <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for resource: %w", ctx.Err())
	}
}

// Release releases a slot after the operation completes
func (rm *ResourceManager) Release() {
	<-rm.semaphore
}

// Available returns the number of free slots
func (rm *ResourceManager) Available() int {
	return cap(rm.semaphore) - len(rm.semaphore)
}
