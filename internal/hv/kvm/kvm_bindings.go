//go:build linux && arm64

package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

func getApiVersion(fd int) (int, error) {
	v, err := ioctlWithRetry(uintptr(fd), uint64(kvmGetApiVersion), 0)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

func setUserMemoryRegion(fd int, region *kvmUserspaceMemoryRegion) error {
	_, err := ioctlWithRetry(uintptr(fd), uint64(kvmSetUserMemoryRegion), uintptr(unsafe.Pointer(region)))
	return err
}

type kvmOneReg struct {
	ID   uint64
	Addr uint64
}

func getOneReg(fd int, id uint64, addr unsafe.Pointer) error {
	reg := kvmOneReg{ID: id, Addr: uint64(uintptr(addr))}
	_, err := ioctlWithRetry(uintptr(fd), uint64(kvmGetOneReg), uintptr(unsafe.Pointer(&reg)))
	return err
}

func setOneReg(fd int, id uint64, addr unsafe.Pointer) error {
	reg := kvmOneReg{ID: id, Addr: uint64(uintptr(addr))}
	_, err := ioctlWithRetry(uintptr(fd), uint64(kvmSetOneReg), uintptr(unsafe.Pointer(&reg)))
	return err
}

// getRegList returns every register ID the vCPU exposes. The first call
// with an empty list fails with E2BIG but fills in the required count.
func getRegList(fd int) ([]uint64, error) {
	var n uint64
	_, err := ioctlWithRetry(uintptr(fd), uint64(kvmGetRegList), uintptr(unsafe.Pointer(&n)))
	if err != unix.E2BIG {
		if err == nil && n == 0 {
			return nil, nil
		}
		if err == nil {
			err = unix.EINVAL
		}
		return nil, err
	}

	// layout: u64 count followed by count u64 IDs
	buf := make([]uint64, 1+n)
	buf[0] = n
	if _, err := ioctlWithRetry(uintptr(fd), uint64(kvmGetRegList), uintptr(unsafe.Pointer(&buf[0]))); err != nil {
		return nil, err
	}
	return buf[1 : 1+buf[0]], nil
}

type kvmMpState struct {
	State uint32
}

func getMpState(fd int, state *kvmMpState) error {
	_, err := ioctlWithRetry(uintptr(fd), uint64(kvmGetMpState), uintptr(unsafe.Pointer(state)))
	return err
}

func setMpState(fd int, state *kvmMpState) error {
	_, err := ioctlWithRetry(uintptr(fd), uint64(kvmSetMpState), uintptr(unsafe.Pointer(state)))
	return err
}

type kvmClockData struct {
	Clock uint64
	Flags uint32
	_     [9]uint32
}

func getClock(fd int, data *kvmClockData) error {
	_, err := ioctlWithRetry(uintptr(fd), uint64(kvmGetClock), uintptr(unsafe.Pointer(data)))
	return err
}

func setClock(fd int, data *kvmClockData) error {
	_, err := ioctlWithRetry(uintptr(fd), uint64(kvmSetClock), uintptr(unsafe.Pointer(data)))
	return err
}

type kvmCreateDeviceArgs struct {
	Type  uint32
	Fd    uint32
	Flags uint32
}

func createDevice(fd int, args *kvmCreateDeviceArgs) error {
	_, err := ioctlWithRetry(uintptr(fd), uint64(kvmCreateDevice), uintptr(unsafe.Pointer(args)))
	return err
}

type kvmDeviceAttr struct {
	Flags uint32
	Group uint32
	Attr  uint64
	Addr  uint64
}

func setDeviceAttr(fd int, attr *kvmDeviceAttr) error {
	_, err := ioctlWithRetry(uintptr(fd), uint64(kvmSetDeviceAttr), uintptr(unsafe.Pointer(attr)))
	return err
}

func getDeviceAttr(fd int, attr *kvmDeviceAttr) error {
	_, err := ioctlWithRetry(uintptr(fd), uint64(kvmGetDeviceAttr), uintptr(unsafe.Pointer(attr)))
	return err
}

func setDeviceAttrU32(fd int, group uint32, attr uint64, value uint32) error {
	val := value
	devAttr := kvmDeviceAttr{
		Group: group,
		Attr:  attr,
		Addr:  uint64(uintptr(unsafe.Pointer(&val))),
	}
	return setDeviceAttr(fd, &devAttr)
}

func setDeviceAttrU64(fd int, group uint32, attr uint64, value uint64) error {
	val := value
	devAttr := kvmDeviceAttr{
		Group: group,
		Attr:  attr,
		Addr:  uint64(uintptr(unsafe.Pointer(&val))),
	}
	return setDeviceAttr(fd, &devAttr)
}

func getDeviceAttrU32(fd int, group uint32, attr uint64) (uint32, error) {
	var val uint32
	devAttr := kvmDeviceAttr{
		Group: group,
		Attr:  attr,
		Addr:  uint64(uintptr(unsafe.Pointer(&val))),
	}
	if err := getDeviceAttr(fd, &devAttr); err != nil {
		return 0, err
	}
	return val, nil
}

func getDeviceAttrU64(fd int, group uint32, attr uint64) (uint64, error) {
	var val uint64
	devAttr := kvmDeviceAttr{
		Group: group,
		Attr:  attr,
		Addr:  uint64(uintptr(unsafe.Pointer(&val))),
	}
	if err := getDeviceAttr(fd, &devAttr); err != nil {
		return 0, err
	}
	return val, nil
}
