//go:build !race

package chashtable

// These back bit_lock.go's unlock path: the lock holder is the only writer
// of the word at that instant, so a plain load is safe. Gated out from
// -race builds, which use the atomic variant in race_on.go instead, since
// the race detector cannot see that safety argument.
func loadUint32Fast(addr *uint32) uint32    { return *addr }
func loadUint64Fast(addr *uint64) uint64    { return *addr }
func loadUintptrFast(addr *uintptr) uintptr { return *addr }
