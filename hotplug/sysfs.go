package hotplug

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// sysfsClassTTY mirrors the Linux sysfs layout a serial CDC-ACM tty
// node is published under.
const sysfsClassTTY = "/sys/class/tty"

// readHexAttr reads a sysfs attribute file holding a bare hex integer
// (no "0x" prefix), the format idVendor/idProduct are published in.
func readHexAttr(path string) (uint16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	trimmed := strings.TrimSpace(string(data))
	v, err := strconv.ParseUint(trimmed, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

// usbIDsForTTY resolves a /dev/ttyACM0-style node to the vendor and
// product id of the USB device that owns it, by following the
// sysfs /sys/class/tty/<name>/device symlink up to the first ancestor
// publishing idVendor/idProduct (the USB device directory, as opposed
// to the interface directory the tty node hangs off directly).
func usbIDsForTTY(ttyName string) (vendor, product uint16, err error) {
	link := filepath.Join(sysfsClassTTY, ttyName, "device")
	dir, err := filepath.EvalSymlinks(link)
	if err != nil {
		return 0, 0, err
	}
	for i := 0; i < 5; i++ {
		vendor, verr := readHexAttr(filepath.Join(dir, "idVendor"))
		product, perr := readHexAttr(filepath.Join(dir, "idProduct"))
		if verr == nil && perr == nil {
			return vendor, product, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return 0, 0, os.ErrNotExist
}

// VendorFilter builds an Accept predicate matching spec.md §4.4's
// Arduino Micro CDC-ACM identification: USB vendor:product
// (0x2341, 0x8037), as read from sysfs. Non-USB or unreadable ports
// (including every port under test, which run against a fake
// PortSource/Opener rather than a real sysfs tree) are rejected.
func VendorFilter(vendor, product uint16) func(ttyPath string) bool {
	return func(ttyPath string) bool {
		name := filepath.Base(ttyPath)
		v, p, err := usbIDsForTTY(name)
		if err != nil {
			return false
		}
		return v == vendor && p == product
	}
}
