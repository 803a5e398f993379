package mastercm

import (
	"fmt"
	"time"

	"github.com/ReneKroon/ttlcache"
)

// dedup suppresses re-application of a commit the master has already
// applied, the same role ttlcache plays for already-applied message
// identifiers in the teacher's queue implementation.
type dedup struct {
	applied *ttlcache.Cache
}

func newDedup(ttl time.Duration) *dedup {
	c := ttlcache.NewCache()
	c.SetTTL(ttl)
	return &dedup{applied: c}
}

// has reports whether id has already been applied.
func (d *dedup) has(id CommitID) bool {
	_, ok := d.applied.Get(fmt.Sprint(id))
	return ok
}

// mark records id as applied, so a retransmitted copy of the same commit
// is dropped by has() instead of being applied twice.
func (d *dedup) mark(id CommitID) {
	d.applied.Set(fmt.Sprint(id), true)
}

func (d *dedup) close() {
	d.applied.Close()
}
