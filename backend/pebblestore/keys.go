package pebblestore

import (
	"encoding/binary"
	"math"
)

// Keyspace layout (byte-wise, lexicographically sortable):
//
//	s/{uid}                   start document
//	o/{revtime_be8}{uid}      start document again, newest run first
//	t/{uid}                   stop document
//	d/{run}/{time_be8}{uid}   descriptor, so a run's streams scan in time order
//	c/{desc}                  event count, big-endian uint64
//	e/{desc}/{index_be8}      event page keyed by its first row index
//	r/{res}                   resource document
//	u/{run}/{res}             resource document again, a run's assets by uid
//	i/{datum_id}              uid of the resource owning the datum
//	a/{res}/{index_be8}       datum page keyed by its first row index
//	m/{name}                  store metadata; m/codec records the codec name
var (
	sep           = byte('/')
	startPrefix   = []byte("s/")
	orderPrefix   = []byte("o/")
	stopPrefix    = []byte("t/")
	descPrefix    = []byte("d/")
	countPrefix   = []byte("c/")
	eventPrefix   = []byte("e/")
	resPrefix     = []byte("r/")
	runResPrefix  = []byte("u/")
	datumIDPrefix = []byte("i/")
	datumPrefix   = []byte("a/")
	metaPrefix    = []byte("m/")
)

const metaCodec = "codec"

// timeBits maps a float64 time onto uint64s that sort like the floats.
func timeBits(t float64) uint64 {
	bits := math.Float64bits(t)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func keyStart(uid string) []byte {
	return append(append([]byte(nil), startPrefix...), uid...)
}

func keyStop(uid string) []byte {
	return append(append([]byte(nil), stopPrefix...), uid...)
}

// keyOrder inverts the time bits so newer runs sort first; the uid suffix
// breaks ties ascending.
func keyOrder(t float64, uid string) []byte {
	k := make([]byte, 0, len(orderPrefix)+8+len(uid))
	k = append(k, orderPrefix...)
	k = appendBE8(k, ^timeBits(t))
	return append(k, uid...)
}

// keyOrderAt is the smallest order key a run with start time t can have.
func keyOrderAt(t float64) []byte {
	k := make([]byte, 0, len(orderPrefix)+8)
	k = append(k, orderPrefix...)
	return appendBE8(k, ^timeBits(t))
}

func keyDescriptor(run string, t float64, uid string) []byte {
	k := make([]byte, 0, len(descPrefix)+len(run)+9+len(uid))
	k = append(k, descPrefix...)
	k = append(k, run...)
	k = append(k, sep)
	k = appendBE8(k, timeBits(t))
	return append(k, uid...)
}

func keyDescriptorPrefix(run string) []byte {
	k := make([]byte, 0, len(descPrefix)+len(run)+1)
	k = append(k, descPrefix...)
	k = append(k, run...)
	return append(k, sep)
}

func keyEventCount(desc string) []byte {
	return append(append([]byte(nil), countPrefix...), desc...)
}

func keyEventPage(desc string, firstIndex uint64) []byte {
	k := make([]byte, 0, len(eventPrefix)+len(desc)+9)
	k = append(k, eventPrefix...)
	k = append(k, desc...)
	k = append(k, sep)
	return appendBE8(k, firstIndex)
}

func keyEventPagePrefix(desc string) []byte {
	k := make([]byte, 0, len(eventPrefix)+len(desc)+1)
	k = append(k, eventPrefix...)
	k = append(k, desc...)
	return append(k, sep)
}

func keyResource(uid string) []byte {
	return append(append([]byte(nil), resPrefix...), uid...)
}

func keyRunResource(run, res string) []byte {
	k := make([]byte, 0, len(runResPrefix)+len(run)+1+len(res))
	k = append(k, runResPrefix...)
	k = append(k, run...)
	k = append(k, sep)
	return append(k, res...)
}

func keyRunResourcePrefix(run string) []byte {
	k := make([]byte, 0, len(runResPrefix)+len(run)+1)
	k = append(k, runResPrefix...)
	k = append(k, run...)
	return append(k, sep)
}

func keyDatumOwner(datumID string) []byte {
	return append(append([]byte(nil), datumIDPrefix...), datumID...)
}

func keyMeta(name string) []byte {
	return append(append([]byte(nil), metaPrefix...), name...)
}

func keyDatumPage(res string, firstIndex uint64) []byte {
	k := make([]byte, 0, len(datumPrefix)+len(res)+9)
	k = append(k, datumPrefix...)
	k = append(k, res...)
	k = append(k, sep)
	return appendBE8(k, firstIndex)
}

func keyDatumPagePrefix(res string) []byte {
	k := make([]byte, 0, len(datumPrefix)+len(res)+1)
	k = append(k, datumPrefix...)
	k = append(k, res...)
	return append(k, sep)
}

// prefixUpperBound returns the smallest key greater than every key carrying
// the prefix, or nil when no such bound exists.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
