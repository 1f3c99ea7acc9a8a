//go:build !race

package clht

// LoadIntFast and StoreIntFast back flat_map.go's metadata word accesses.
// The caller already holds whatever lock makes a plain access safe; this
// is gated out from -race builds, which use the atomic variant in
// race_on.go instead, since the race detector cannot see that safety
// argument.
func LoadIntFast[T ~uint32 | ~uint64 | ~uintptr](addr *T) T { return *addr }

func StoreIntFast[T ~uint32 | ~uint64 | ~uintptr](addr *T, val T) { *addr = val }
