package microtetherdb

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// keyGenerator produces sufficiently-unique opaque keys for engine-
// generated puts: <hex timestamp>-<hex monotonic counter>-<uuid4
// fragment>. The counter guarantees uniqueness within a process even if
// the clock hasn't advanced; the uuid fragment (rather than a raw
// crypto/rand read, as the teacher's storage/ids.go used) guards against
// collisions across process restarts sharing the same backing.
type keyGenerator struct {
	counter atomic.Uint64
}

func newKeyGenerator() *keyGenerator {
	return &keyGenerator{}
}

func (g *keyGenerator) next() string {
	now := time.Now().UTC().Unix()
	n := g.counter.Add(1)
	frag := uuid.New().String()[:8]
	return fmt.Sprintf("%x-%x-%s", now, n, frag)
}
