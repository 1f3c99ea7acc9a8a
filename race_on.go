//go:build race

package chashtable

import "sync/atomic"

func loadUint32Fast(addr *uint32) uint32    { return atomic.LoadUint32(addr) }
func loadUint64Fast(addr *uint64) uint64    { return atomic.LoadUint64(addr) }
func loadUintptrFast(addr *uintptr) uintptr { return atomic.LoadUintptr(addr) }
