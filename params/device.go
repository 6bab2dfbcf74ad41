package params

import (
	"fmt"
	"strings"
)

// Device is the preferred compute backend. Unavailable choices fall back to CPU.
type Device string

const (
	DeviceCUDA Device = "cuda"
	DeviceCPU  Device = "cpu"
	DeviceMPS  Device = "mps"
)

// Devices lists the accepted --device values.
var Devices = []Device{DeviceCUDA, DeviceCPU, DeviceMPS}

func ParseDevice(s string) (Device, error) {
	d := Device(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Devices {
		if d == known {
			return d, nil
		}
	}
	return "", fmt.Errorf("device must be one of %v, got %q", Devices, s)
}

func (d Device) String() string { return string(d) }
