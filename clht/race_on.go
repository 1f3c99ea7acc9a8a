//go:build race

package clht

import (
	"sync/atomic"
	"unsafe"
)

func LoadIntFast[T ~uint32 | ~uint64 | ~uintptr](addr *T) T {
	if unsafe.Sizeof(T(0)) == 4 {
		return T(atomic.LoadUint32((*uint32)(unsafe.Pointer(addr))))
	}
	return T(atomic.LoadUint64((*uint64)(unsafe.Pointer(addr))))
}

func StoreIntFast[T ~uint32 | ~uint64 | ~uintptr](addr *T, val T) {
	if unsafe.Sizeof(T(0)) == 4 {
		atomic.StoreUint32((*uint32)(unsafe.Pointer(addr)), uint32(val))
	} else {
		atomic.StoreUint64((*uint64)(unsafe.Pointer(addr)), uint64(val))
	}
}
