package mem

import (
	"sync"
	"sync/atomic"

	"github.com/seaweedfs/blockfilter/weed/glog"
)

var pools []*sync.Pool

const (
	min_size = 1024
)

func bitCount(size int) (count int) {
	for ; size > min_size; count++ {
		size = (size + 1) >> 1
	}
	return
}

func init() {
	// 1KB ~ 256MB
	pools = make([]*sync.Pool, bitCount(1024*1024*256))
	for i := 0; i < len(pools); i++ {
		slotSize := 1024 << i
		pools[i] = &sync.Pool{
			New: func() interface{} {
				buffer := make([]byte, slotSize)
				return &buffer
			},
		}
	}
}

func getSlotPool(size int) (*sync.Pool, bool) {
	index := bitCount(size)
	if index >= len(pools) {
		return nil, false
	}
	return pools[index], true
}

var total int64

// Allocate returns a buffer of len size, taken from the slab pool when one fits.
// The contents are not zeroed.
func Allocate(size int) []byte {
	if pool, found := getSlotPool(size); found {
		newVal := atomic.AddInt64(&total, 1)
		glog.V(4).Infof("++> %d", newVal)

		slab := *pool.Get().(*[]byte)
		return slab[:size]
	}
	return make([]byte, size)
}

// Free hands buf back to its slab pool. buf must not be used afterwards.
func Free(buf []byte) {
	if pool, found := getSlotPool(cap(buf)); found && cap(buf) == 1024<<bitCount(cap(buf)) {
		newVal := atomic.AddInt64(&total, -1)
		glog.V(4).Infof("--> %d", newVal)
		buf = buf[:cap(buf)]
		pool.Put(&buf)
	}
}

// Outstanding reports how many pooled buffers are currently allocated.
func Outstanding() int64 {
	return atomic.LoadInt64(&total)
}
