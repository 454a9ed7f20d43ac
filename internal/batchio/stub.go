//go:build !giouring
// +build !giouring

package batchio

// NewBatcher is available when built with -tags giouring; without that
// tag it always returns ErrNotBuilt, and memsim.New then leaves its
// batcher nil so Execute uses its synchronous copy loop (see
// backend/memsim/memsim.go).
func NewBatcher(fd int, entries uint32) (Batcher, error) {
	return nil, ErrNotBuilt
}
