// Copyright 2024-2026 Aiku AI

package mirror

import (
	"hash/fnv"
	"sync"
)

const keyLockStripes = 256

// keyLock serializes work on the same source message between live relay and
// backfill. Distinct ids may share a stripe; that only costs parallelism.
type keyLock struct {
	stripes [keyLockStripes]sync.Mutex
}

func (k *keyLock) Lock(id MessageID) func() {
	mu := &k.stripes[hashID(id)%keyLockStripes]
	mu.Lock()
	return mu.Unlock
}

func hashID(id MessageID) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return h.Sum32()
}
