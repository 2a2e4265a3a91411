// Package gpioline opens a Linux GPIO character device line and polls it
// for the firmware's transferReady assertion (spec.md §4.A "ready
// signal"). It is the ready-pin half of the transport; the data half uses
// periph's SPI port directly (see pkg/transfer).
package gpioline

import (
	"context"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/anthropics/rrf-spi-bridge/pkg/status"
)

// ioctl direction/size encoding, Linux asm-generic/ioctl.h, reused exactly
// as the request-header ioctl numbers are built elsewhere in this module's
// teacher lineage (packed little-endian command words, not structs).
const (
	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, iocType, nr, size int) uint32 {
	return uint32((dir << iocDirShift) | (iocType << iocTypeShift) | (nr << iocNrShift) | (size << iocSizeShift))
}

func iowr(iocType, nr, size int) uint32 { return ioc(iocRead|iocWrite, iocType, nr, size) }

const gpioMagic = 0xB4 // linux/gpio.h GPIO_IOC_MAGIC

// gpiohandleRequest mirrors struct gpiohandle_request from linux/gpio.h for
// a single-line handle request.
type gpiohandleRequest struct {
	lineOffsets   [64]uint32
	flags         uint32
	defaultValues [64]uint8
	consumerLabel [32]byte
	lines         uint32
	fd            int32
}

// gpiohandleData mirrors struct gpiohandle_data.
type gpiohandleData struct {
	values [64]uint8
}

const (
	sizeOfGpiohandleRequest = 4*64 + 4 + 64 + 32 + 4 + 4
	sizeOfGpiohandleData    = 64

	gpiohandleRequestInput = 1 << 0

	gpioGetLineHandleNr      = 0x03
	gpiohandleGetLineValuesNr = 0x08
)

var (
	ioctlGetLineHandle   = iowr(gpioMagic, gpioGetLineHandleNr, sizeOfGpiohandleRequest)
	ioctlGetLineValues   = iowr(gpioMagic, gpiohandleGetLineValuesNr, sizeOfGpiohandleData)
)

// Pin is a single requested GPIO line, held open for the life of the
// transport.
type Pin struct {
	chipFd int
	lineFd int
}

// Open requests lineOffset on chipPath (e.g. "/dev/gpiochip0") as an input
// line dedicated to reading the firmware's ready signal.
func Open(chipPath string, lineOffset uint32) (*Pin, error) {
	chipFd, err := unix.Open(chipPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, status.NewWithCause(status.StatusFatal, "opening gpio chip "+chipPath, err)
	}

	req := gpiohandleRequest{
		flags: gpiohandleRequestInput,
		lines: 1,
	}
	req.lineOffsets[0] = lineOffset
	copy(req.consumerLabel[:], "rrf-spi-bridge")

	if err := ioctl(chipFd, ioctlGetLineHandle, unsafe.Pointer(&req)); err != nil {
		unix.Close(chipFd)
		return nil, status.NewWithCause(status.StatusFatal, "requesting gpio line handle", err)
	}

	return &Pin{chipFd: chipFd, lineFd: int(req.fd)}, nil
}

func ioctl(fd int, cmd uint32, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(cmd), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// WaitReady polls the line until it reads high (asserted) or the timeout
// elapses. A timeout is not fatal at this layer — the caller (pkg/transfer)
// decides how many timeouts constitute a stall.
func (p *Pin) WaitReady(ctx context.Context, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	const pollInterval = 200 * time.Microsecond

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		var data gpiohandleData
		if err := ioctl(p.lineFd, ioctlGetLineValues, unsafe.Pointer(&data)); err != nil {
			return false, status.NewWithCause(status.StatusFatal, "reading gpio line value", err)
		}
		if data.values[0] != 0 {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(pollInterval)
	}
}

// Close releases the line and chip file descriptors.
func (p *Pin) Close() error {
	if p.lineFd >= 0 {
		unix.Close(p.lineFd)
		p.lineFd = -1
	}
	if p.chipFd >= 0 {
		unix.Close(p.chipFd)
		p.chipFd = -1
	}
	return nil
}
