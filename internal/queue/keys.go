package queue

import "encoding/binary"

// Pebble keyspace, all prefixed with q/{queue}/:
//
//	job/{id}                  - job envelope JSON
//	lane/{lane}/{seq}         - availability index, value is the job id
//	lease_idx/{expiry_ms}/{id}- lease expiry index for the reclaim scan
//	meta                      - last assigned sequence (8B BE)
const (
	prefixJob      = "job/"
	prefixLane     = "lane/"
	prefixLeaseIdx = "lease_idx/"
	metaSuffix     = "meta"
)

func queuePrefix(name string) string { return "q/" + name + "/" }

// laneCode orders lanes in the keyspace: high sorts before default before low.
func laneCode(l Lane) byte {
	switch l {
	case LaneHigh:
		return 0
	case LaneDefault:
		return 1
	default:
		return 2
	}
}

func jobKey(name, id string) []byte {
	return []byte(queuePrefix(name) + prefixJob + id)
}

func jobPrefix(name string) []byte {
	return []byte(queuePrefix(name) + prefixJob)
}

// laneKey indexes a queued job. Seq is big-endian so iteration order is FIFO.
func laneKey(name string, lane Lane, seq uint64) []byte {
	prefix := lanePrefix(name, lane)
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

func lanePrefix(name string, lane Lane) []byte {
	prefix := queuePrefix(name) + prefixLane
	key := make([]byte, len(prefix)+2)
	copy(key, prefix)
	key[len(prefix)] = laneCode(lane)
	key[len(prefix)+1] = '/'
	return key
}

// leaseIdxKey indexes a lease by expiry so the reclaim scan stops at the
// first non-expired entry.
func leaseIdxKey(name string, expiryMs int64, id string) []byte {
	prefix := leaseIdxPrefix(name)
	key := make([]byte, len(prefix)+8+len(id))
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(expiryMs))
	copy(key[len(prefix)+8:], id)
	return key
}

func leaseIdxPrefix(name string) []byte {
	return []byte(queuePrefix(name) + prefixLeaseIdx)
}

func metaKey(name string) []byte {
	return []byte(queuePrefix(name) + metaSuffix)
}

// keyUpperBound returns the exclusive upper bound for scanning a prefix.
func keyUpperBound(prefix []byte) []byte {
	return append(append([]byte{}, prefix...), 0xFF)
}
