package hantek

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DeviceInfo describes one supported oscilloscope found on the bus
// without opening it.
type DeviceInfo struct {
	Model         *Model
	Bus           uint8
	Address       uint8
	Serial        string
	NeedsFirmware bool
	SysfsPath     string
}

// DevNode returns the usbfs node of the device.
func (d *DeviceInfo) DevNode() string {
	return fmt.Sprintf("/dev/bus/usb/%03d/%03d", d.Bus, d.Address)
}

// FindDevices scans sysfs for supported oscilloscopes, including ones
// that still enumerate with their pre-firmware ids. The scan needs no
// device permissions, which makes it usable for listing before udev
// rules are in place.
func FindDevices() ([]*DeviceInfo, error) {
	return findDevicesIn("/sys/bus/usb/devices")
}

func findDevicesIn(sysfsDir string) ([]*DeviceInfo, error) {
	entries, err := os.ReadDir(sysfsDir)
	if err != nil {
		return nil, fmt.Errorf("reading sysfs usb directory: %w", err)
	}

	var found []*DeviceInfo
	for _, entry := range entries {
		name := entry.Name()

		// Skip interface entries; devices are "bus-port..." or root hubs.
		if strings.Contains(name, ":") {
			continue
		}
		if !strings.Contains(name, "-") && !strings.HasPrefix(name, "usb") {
			continue
		}

		path := filepath.Join(sysfsDir, name)
		vid, err := readSysfsHex(path, "idVendor")
		if err != nil {
			continue
		}
		pid, err := readSysfsHex(path, "idProduct")
		if err != nil {
			continue
		}

		model, needsFirmware, ok := ModelByProduct(vid, pid)
		if !ok {
			continue
		}

		info := &DeviceInfo{
			Model:         model,
			NeedsFirmware: needsFirmware,
			SysfsPath:     path,
			Serial:        readSysfsString(path, "serial"),
		}
		info.Bus, _ = readSysfsUint8(path, "busnum")
		info.Address, _ = readSysfsUint8(path, "devnum")
		found = append(found, info)
	}
	return found, nil
}

func readSysfsHex(dir, file string) (uint16, error) {
	data, err := os.ReadFile(filepath.Join(dir, file))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 16, 16)
	return uint16(v), err
}

func readSysfsUint8(dir, file string) (uint8, error) {
	data, err := os.ReadFile(filepath.Join(dir, file))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 8)
	return uint8(v), err
}

func readSysfsString(dir, file string) string {
	data, err := os.ReadFile(filepath.Join(dir, file))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
