package gateway

import "sync"

// Read buffer pools for the broker relay. Only buffers that came from bufGet
// go back (checked via capacity match).

const (
	bufSmall = 16 << 10
	bufMed   = 32 << 10
	bufLarge = 64 << 10
)

var (
	poolSmall = sync.Pool{New: func() any { b := make([]byte, bufSmall); return &b }}
	poolMed   = sync.Pool{New: func() any { b := make([]byte, bufMed); return &b }}
	poolLarge = sync.Pool{New: func() any { b := make([]byte, bufLarge); return &b }}
)

func bufGet(n int) []byte {
	switch {
	case n <= bufSmall:
		p := poolSmall.Get().(*[]byte)
		return (*p)[:n]
	case n <= bufMed:
		p := poolMed.Get().(*[]byte)
		return (*p)[:n]
	case n <= bufLarge:
		p := poolLarge.Get().(*[]byte)
		return (*p)[:n]
	default:
		return make([]byte, n)
	}
}

func bufPut(b []byte) {
	switch cap(b) {
	case bufSmall:
		bb := b[:bufSmall]
		poolSmall.Put(&bb)
	case bufMed:
		bb := b[:bufMed]
		poolMed.Put(&bb)
	case bufLarge:
		bb := b[:bufLarge]
		poolLarge.Put(&bb)
	}
}
