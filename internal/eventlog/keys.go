package eventlog

import "encoding/binary"

var (
	logPrefix = []byte("evt/")
	entrySeg  = []byte("/e/")
)

// KeyEntryPrefix returns the prefix shared by all entries of a log.
func KeyEntryPrefix(name string) []byte {
	k := make([]byte, 0, len(logPrefix)+len(name)+len(entrySeg))
	k = append(k, logPrefix...)
	k = append(k, name...)
	k = append(k, entrySeg...)
	return k
}

// KeyEntry builds the key of one entry; the big-endian seq keeps byte order
// equal to append order.
func KeyEntry(name string, seq uint64) []byte {
	k := KeyEntryPrefix(name)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return append(k, b[:]...)
}

func seqFromKey(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(key)-8:])
}
