package emitter

import "github.com/mycelian/docdispatch/internal/model"

// claimedRow pairs a decoded emit group with the store row it came
// from, so a flush can delete by emitId once the emitter accepts it
// (spec §4.7 step 4).
type claimedRow struct {
	emitID int64
	group  model.EmitGroup
	size   int64
}

// cache accumulates claimed rows per emitterId between flushes
// (spec §4.7 step 2-3): a single-thread-owned map, no locking needed
// since one emitter goroutine owns it exclusively.
type cache struct {
	byEmitter map[string][]claimedRow
	bytes     int64
}

func newCache() *cache {
	return &cache{byEmitter: make(map[string][]claimedRow)}
}

func (c *cache) add(row claimedRow) {
	c.byEmitter[row.group.EmitKey.EmitterID] = append(c.byEmitter[row.group.EmitKey.EmitterID], row)
	c.bytes += row.size
}

func (c *cache) empty() bool { return len(c.byEmitter) == 0 }

func (c *cache) reset() {
	c.byEmitter = make(map[string][]claimedRow)
	c.bytes = 0
}
