// Package ring implements the circular staging allocators used to move data
// between the CPU and the GPU. Space is handed out monotonically and is only
// reclaimed once the frame manager confirms the GPU finished reading it.
package ring

import (
	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/rsx/engine/core"
	"github.com/spaghettifunk/rsx/engine/math"
	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
)

var (
	ErrAllocationTooLarge = errors.New("allocation exceeds ring capacity")
	ErrRingFull           = errors.New("ring has no free space")
	// ErrNothingToReclaim is returned by a stall hook when no in-flight frame can be waited on.
	ErrNothingToReclaim = errors.New("no in-flight frame to reclaim")
)

// Policy decides what Alloc does when the requested range is still in use.
type Policy uint8

const (
	PolicyFail Policy = iota
	PolicyBlock
)

// ParsePolicy maps the config values "fail" and "block" to a Policy.
func ParsePolicy(s string) Policy {
	if s == core.RingPolicyBlock {
		return PolicyBlock
	}
	return PolicyFail
}

// Mark is a high-water mark: every byte allocated before it was recorded.
type Mark uint64

// StallFunc waits for older GPU work so that space can be reclaimed.
type StallFunc func() error

type Stats struct {
	Allocations uint64
	Bytes       uint64
	Wraps       uint64
	Stalls      uint64
}

// Allocator hands out byte ranges of a fixed-size buffer. Positions are kept
// as absolute byte counts that only grow; the buffer offset is position modulo
// capacity. Live data is always in [get, put).
type Allocator struct {
	name     string
	backing  gpu.Buffer
	capacity uint64
	put      uint64
	get      uint64
	policy   Policy
	stall    StallFunc
	stats    Stats
}

func New(name string, backing gpu.Buffer, policy Policy) *Allocator {
	return &Allocator{
		name:     name,
		backing:  backing,
		capacity: backing.Size(),
		policy:   policy,
	}
}

// SetStallFunc installs the hook used by PolicyBlock.
func (a *Allocator) SetStallFunc(fn StallFunc) {
	a.stall = fn
}

func (a *Allocator) Name() string       { return a.name }
func (a *Allocator) Capacity() uint64   { return a.capacity }
func (a *Allocator) Buffer() gpu.Buffer { return a.backing }
func (a *Allocator) Stats() Stats       { return a.stats }

// Used returns the number of bytes that may still be read by the GPU,
// alignment padding included.
func (a *Allocator) Used() uint64 {
	return a.put - a.get
}

// Alloc reserves size bytes starting at a multiple of alignment and returns the
// buffer offset. A range never straddles the end of the buffer; when it would,
// the allocation restarts at offset 0.
func (a *Allocator) Alloc(size, alignment uint64) (uint64, error) {
	if size > a.capacity {
		return 0, errors.Wrapf(ErrAllocationTooLarge, "%s: %d bytes requested, capacity %d", a.name, size, a.capacity)
	}
	for {
		start, wrapped := a.place(size, alignment)
		if start+size-a.get <= a.capacity {
			if wrapped {
				a.stats.Wraps++
			}
			a.put = start + size
			a.stats.Allocations++
			a.stats.Bytes += size
			return start % a.capacity, nil
		}
		if a.policy != PolicyBlock || a.stall == nil {
			return 0, errors.Wrapf(ErrRingFull, "%s: %d bytes requested, %d in use", a.name, size, a.Used())
		}
		a.stats.Stalls++
		core.LogDebug("%s ring full, stalling for an in-flight frame", a.name)
		if err := a.stall(); err != nil {
			if errors.Is(err, ErrNothingToReclaim) {
				return 0, errors.Wrapf(ErrRingFull, "%s: %d bytes requested, %d in use", a.name, size, a.Used())
			}
			return 0, err
		}
	}
}

// place returns the position of the next range. Alignment applies to the
// offset inside the buffer, so capacities that are not a multiple of the
// alignment still hand out aligned offsets.
func (a *Allocator) place(size, alignment uint64) (uint64, bool) {
	lap := a.put - a.put%a.capacity
	offset := math.AlignUp(a.put%a.capacity, alignment)
	if offset+size > a.capacity {
		return lap + a.capacity, true
	}
	start := lap + offset
	return start, offset == 0 && start != 0
}

// Map returns a writable view of a range previously returned by Alloc.
func (a *Allocator) Map(offset, size uint64) ([]byte, error) {
	if offset+size > a.capacity {
		return nil, errors.Newf("%s: map [%d, %d) outside ring of %d bytes", a.name, offset, offset+size, a.capacity)
	}
	b, err := a.backing.Map(offset, size)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping %s ring", a.name)
	}
	return b, nil
}

// Unmap releases a view returned by Map. The range must be exactly the bytes written.
func (a *Allocator) Unmap(offset, size uint64) {
	a.backing.Unmap(offset, size)
}

// Write allocates len(data) bytes, copies data in and returns the offset.
func (a *Allocator) Write(data []byte, alignment uint64) (uint64, error) {
	size := uint64(len(data))
	offset, err := a.Alloc(size, alignment)
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return offset, nil
	}
	dst, err := a.Map(offset, size)
	if err != nil {
		return 0, err
	}
	copy(dst, data)
	a.Unmap(offset, size)
	return offset, nil
}

// HighWaterMark returns the mark covering every allocation made so far. The
// last covered byte is the put position minus one.
func (a *Allocator) HighWaterMark() Mark {
	return Mark(a.put)
}

// Consumed returns the position below which every byte has been released.
func (a *Allocator) Consumed() Mark {
	return Mark(a.get)
}

// MarkConsumedUpTo releases everything allocated before mark. The get position
// never moves backwards.
func (a *Allocator) MarkConsumedUpTo(mark Mark) {
	m := uint64(mark)
	if m > a.put {
		core.LogWarn("%s: consumed mark %d is ahead of put %d", a.name, m, a.put)
		m = a.put
	}
	if m > a.get {
		a.get = m
	}
}
