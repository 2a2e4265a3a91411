//go:build unit

package gpioline

import (
	"testing"
)

func TestIoctlGetLineHandleCode(t *testing.T) {
	cmd := ioctlGetLineHandle

	dir := (cmd >> iocDirShift) & 0x3
	if dir != iocRead|iocWrite {
		t.Errorf("direction = %d, expected %d (read|write)", dir, iocRead|iocWrite)
	}

	typ := (cmd >> iocTypeShift) & 0xff
	if typ != uint32(gpioMagic) {
		t.Errorf("type = 0x%02x, expected 0x%02x", typ, gpioMagic)
	}

	nr := (cmd >> iocNrShift) & 0xff
	if nr != gpioGetLineHandleNr {
		t.Errorf("nr = %d, expected %d", nr, gpioGetLineHandleNr)
	}

	size := (cmd >> iocSizeShift) & 0x3fff
	if size != uint32(sizeOfGpiohandleRequest) {
		t.Errorf("size = %d, expected %d", size, sizeOfGpiohandleRequest)
	}
}

func TestIoctlGetLineValuesCode(t *testing.T) {
	cmd := ioctlGetLineValues

	dir := (cmd >> iocDirShift) & 0x3
	if dir != iocRead|iocWrite {
		t.Errorf("direction = %d, expected %d (read|write)", dir, iocRead|iocWrite)
	}

	nr := (cmd >> iocNrShift) & 0xff
	if nr != gpiohandleGetLineValuesNr {
		t.Errorf("nr = %d, expected %d", nr, gpiohandleGetLineValuesNr)
	}

	size := (cmd >> iocSizeShift) & 0x3fff
	if size != uint32(sizeOfGpiohandleData) {
		t.Errorf("size = %d, expected %d", size, sizeOfGpiohandleData)
	}
}
