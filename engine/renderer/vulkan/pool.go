package vulkan

import "sync"

type lockGroup uint8

const (
	queueManagement lockGroup = iota
	commandPoolManagement
	cacheManagement
	lockGroupCount
)

// lockPool serializes access to the externally synchronized Vulkan objects
// shared by a device: the queue, the command pool and the object caches.
type lockPool struct {
	locks [lockGroupCount]sync.Mutex
}

func (p *lockPool) safeCall(group lockGroup, fn func() error) error {
	p.locks[group].Lock()
	defer p.locks[group].Unlock()
	return fn()
}
