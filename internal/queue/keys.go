package queue

import (
	"encoding/binary"

	"github.com/rzbill/santa/pkg/id"
)

// Key layout, all under q/{name}/:
//
//	msg/{id}                    message record (JSON)
//	avail/{ready_ms}/{id}       availability index, ordered by ready time
//	lease/{id}                  lease record (JSON)
//	lease_idx/{expires_ms}/{id} lease expiry index scanned by the sweeper
//	dlq/{id}                    dead letter record (JSON)
//	done/{acked_ms}/{id}        recently acknowledged messages
//	cons/{consumer}             consumer registry
//	key/{key}                   idempotency key -> message id
const (
	segMsg      = "msg/"
	segAvail    = "avail/"
	segLease    = "lease/"
	segLeaseIdx = "lease_idx/"
	segDLQ      = "dlq/"
	segDone     = "done/"
	segCons     = "cons/"
	segKey      = "key/"
)

type keyspace struct {
	base string
}

func newKeyspace(name string) keyspace { return keyspace{base: "q/" + name + "/"} }

func (k keyspace) prefix(seg string) []byte { return []byte(k.base + seg) }

func (k keyspace) withID(seg string, mid id.ID) []byte {
	p := k.prefix(seg)
	return append(p, mid[:]...)
}

func (k keyspace) withTimeID(seg string, ms int64, mid id.ID) []byte {
	p := k.prefix(seg)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(ms))
	p = append(p, b[:]...)
	return append(p, mid[:]...)
}

func (k keyspace) msg(mid id.ID) []byte   { return k.withID(segMsg, mid) }
func (k keyspace) lease(mid id.ID) []byte { return k.withID(segLease, mid) }
func (k keyspace) dlq(mid id.ID) []byte   { return k.withID(segDLQ, mid) }
func (k keyspace) consumer(cid string) []byte {
	return append(k.prefix(segCons), cid...)
}

func (k keyspace) key(key string) []byte {
	return append(k.prefix(segKey), key...)
}

func (k keyspace) avail(readyMs int64, mid id.ID) []byte {
	return k.withTimeID(segAvail, readyMs, mid)
}

func (k keyspace) leaseIdx(expiresMs int64, mid id.ID) []byte {
	return k.withTimeID(segLeaseIdx, expiresMs, mid)
}

func (k keyspace) done(ackedMs int64, mid id.ID) []byte {
	return k.withTimeID(segDone, ackedMs, mid)
}

// splitTimeID parses the {ms}/{id} tail of an index key under prefix.
func splitTimeID(key, prefix []byte) (int64, id.ID, bool) {
	if len(key) != len(prefix)+8+16 {
		return 0, id.ID{}, false
	}
	ms := int64(binary.BigEndian.Uint64(key[len(prefix) : len(prefix)+8]))
	var mid id.ID
	copy(mid[:], key[len(prefix)+8:])
	return ms, mid, true
}

func idFromKey(key, prefix []byte) (id.ID, bool) {
	if len(key) != len(prefix)+16 {
		return id.ID{}, false
	}
	var mid id.ID
	copy(mid[:], key[len(prefix):])
	return mid, true
}
