package util

import (
	"io"
	"testing"
)

// BenchmarkBufPool measures the allocation advantage of sync.Pool
// buffer reuse versus fresh allocation for control-link frame writes.
func BenchmarkBufPool(b *testing.B) {
	b.Run("pool", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			buf := GetBuf()
			_ = (*buf)[0]
			PutBuf(buf)
		}
	})
	b.Run("alloc", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			buf := make([]byte, DefaultBufSize)
			_ = buf[0]
		}
	})
}

func BenchmarkLoggerWithPrefix(b *testing.B) {
	l := NewLogger(1).With("session=bench")
	l.SetOutput(io.Discard)
	for i := 0; i < b.N; i++ {
		l.Info("line %d", i)
	}
}
