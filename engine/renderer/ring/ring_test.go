package ring

import (
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
)

type memBuffer struct {
	id       uuid.UUID
	data     []byte
	unmapped [][2]uint64
}

func newMemBuffer(size uint64) *memBuffer {
	return &memBuffer{id: uuid.New(), data: make([]byte, size)}
}

func (b *memBuffer) ID() uuid.UUID          { return b.id }
func (b *memBuffer) Release()               {}
func (b *memBuffer) Size() uint64           { return uint64(len(b.data)) }
func (b *memBuffer) Memory() gpu.MemoryKind { return gpu.MemoryUpload }
func (b *memBuffer) Map(offset, size uint64) ([]byte, error) {
	return b.data[offset : offset+size], nil
}
func (b *memBuffer) Unmap(offset, size uint64) {
	b.unmapped = append(b.unmapped, [2]uint64{offset, size})
}

func TestWrapScenario(t *testing.T) {
	a := New("upload", newMemBuffer(1024), PolicyFail)

	off, err := a.Alloc(300, 256)
	require.NoError(t, err)
	require.Equal(t, uint64(0), off)
	first := a.HighWaterMark()

	off, err = a.Alloc(300, 256)
	require.NoError(t, err)
	require.Equal(t, uint64(512), off)
	second := a.HighWaterMark()

	// nothing consumed yet: wrapping to 0 would overwrite the first range
	_, err = a.Alloc(300, 256)
	require.True(t, errors.Is(err, ErrRingFull))

	a.MarkConsumedUpTo(first)
	off, err = a.Alloc(300, 256)
	require.NoError(t, err)
	require.Equal(t, uint64(0), off)
	require.Equal(t, uint64(1), a.Stats().Wraps)

	// [512, 812) and [0, 300) are live; 300 more bytes do not fit anywhere
	_, err = a.Alloc(300, 256)
	require.True(t, errors.Is(err, ErrRingFull))

	a.MarkConsumedUpTo(second)
	off, err = a.Alloc(300, 256)
	require.NoError(t, err)
	require.Equal(t, uint64(512), off)
}

func TestAlignmentAfterWrapWithOddCapacity(t *testing.T) {
	a := New("upload", newMemBuffer(1000), PolicyFail)

	off, err := a.Alloc(900, 256)
	require.NoError(t, err)
	require.Equal(t, uint64(0), off)
	a.MarkConsumedUpTo(a.HighWaterMark())

	// 900 rounds up past the end of the buffer: restart at 0
	off, err = a.Alloc(100, 256)
	require.NoError(t, err)
	require.Equal(t, uint64(0), off)
	require.Equal(t, uint64(1), a.Stats().Wraps)
	a.MarkConsumedUpTo(a.HighWaterMark())

	off, err = a.Alloc(100, 256)
	require.NoError(t, err)
	require.Equal(t, uint64(256), off)

	off, err = a.Alloc(100, 512)
	require.NoError(t, err)
	require.Equal(t, uint64(512), off)
}

func TestBlockPolicyStalls(t *testing.T) {
	a := New("upload", newMemBuffer(1024), PolicyBlock)
	_, err := a.Alloc(300, 256)
	require.NoError(t, err)
	pending := []Mark{a.HighWaterMark()}
	_, err = a.Alloc(300, 256)
	require.NoError(t, err)
	pending = append(pending, a.HighWaterMark())

	stalls := 0
	a.SetStallFunc(func() error {
		if len(pending) == 0 {
			return ErrNothingToReclaim
		}
		stalls++
		a.MarkConsumedUpTo(pending[0])
		pending = pending[1:]
		return nil
	})

	off, err := a.Alloc(300, 256)
	require.NoError(t, err)
	require.Equal(t, uint64(0), off)
	require.Equal(t, 1, stalls)

	_, err = a.Alloc(300, 256)
	require.NoError(t, err)
	require.Equal(t, 2, stalls)

	// every frame reclaimed and still no room
	_, err = a.Alloc(800, 256)
	require.True(t, errors.Is(err, ErrRingFull))
}

func TestAllocTooLarge(t *testing.T) {
	a := New("readback", newMemBuffer(1024), PolicyBlock)
	_, err := a.Alloc(1025, 1)
	require.True(t, errors.Is(err, ErrAllocationTooLarge))

	off, err := a.Alloc(1024, 256)
	require.NoError(t, err)
	require.Equal(t, uint64(0), off)
}

func TestGetNeverRewinds(t *testing.T) {
	a := New("upload", newMemBuffer(1024), PolicyFail)
	_, err := a.Alloc(100, 1)
	require.NoError(t, err)
	old := a.HighWaterMark()
	_, err = a.Alloc(100, 1)
	require.NoError(t, err)
	a.MarkConsumedUpTo(a.HighWaterMark())
	require.Equal(t, uint64(0), a.Used())

	a.MarkConsumedUpTo(old)
	require.Equal(t, uint64(0), a.Used())
}

type liveRange struct {
	start, end uint64
}

func overlaps(a, b liveRange) bool {
	return a.start < b.end && b.start < a.end
}

func TestNoOverlappingLiveRanges(t *testing.T) {
	for _, capacity := range []uint64{4096, 4000, 3001} {
		checkNoOverlaps(t, capacity)
	}
}

func checkNoOverlaps(t *testing.T, capacity uint64) {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	a := New("upload", newMemBuffer(capacity), PolicyFail)

	type frame struct {
		ranges []liveRange
		mark   Mark
	}
	var inFlight []frame
	var current frame

	for i := 0; i < 5000; i++ {
		size := uint64(rng.Intn(700) + 1)
		align := uint64(1) << uint(rng.Intn(9))
		off, err := a.Alloc(size, align)
		if err != nil {
			require.True(t, errors.Is(err, ErrRingFull))
			// retire the oldest frame, as the frame manager would after its fence
			if len(inFlight) == 0 {
				inFlight = append(inFlight, frame{ranges: current.ranges, mark: a.HighWaterMark()})
				current = frame{}
			}
			a.MarkConsumedUpTo(inFlight[0].mark)
			inFlight = inFlight[1:]
			continue
		}
		require.Zero(t, off%align)
		require.LessOrEqual(t, off+size, capacity)

		r := liveRange{off, off + size}
		for _, f := range inFlight {
			for _, live := range f.ranges {
				require.False(t, overlaps(r, live), "range %v overlaps in-flight %v", r, live)
			}
		}
		for _, live := range current.ranges {
			require.False(t, overlaps(r, live), "range %v overlaps %v", r, live)
		}
		current.ranges = append(current.ranges, r)

		if rng.Intn(6) == 0 {
			inFlight = append(inFlight, frame{ranges: current.ranges, mark: a.HighWaterMark()})
			current = frame{}
		}
	}
}

func TestWriteUnmapsExactRange(t *testing.T) {
	buf := newMemBuffer(1024)
	a := New("upload", buf, PolicyFail)
	_, err := a.Alloc(10, 1)
	require.NoError(t, err)

	off, err := a.Write([]byte{1, 2, 3}, 256)
	require.NoError(t, err)
	require.Equal(t, uint64(256), off)
	require.Equal(t, []byte{1, 2, 3}, buf.data[256:259])
	require.Equal(t, [][2]uint64{{256, 3}}, buf.unmapped)
}

func TestParsePolicy(t *testing.T) {
	require.Equal(t, PolicyBlock, ParsePolicy("block"))
	require.Equal(t, PolicyFail, ParsePolicy("fail"))
	require.Equal(t, PolicyFail, ParsePolicy(""))
}
