package main

import (
	"github.com/RockAfeller2013/mygpt/params"
	"github.com/RockAfeller2013/mygpt/utils"
)

// accelerated is set when the binary links Accelerate BLAS.
var accelerated bool

// resolveDevice maps the requested device onto what this binary can run.
// Unavailable devices fall back to cpu with a warning.
func resolveDevice(d params.Device) params.Device {
	switch d {
	case params.DeviceCUDA:
		utils.Warnf("cuda is not available in this build, falling back to cpu")
		return params.DeviceCPU
	case params.DeviceMPS:
		if !accelerated {
			utils.Warnf("mps needs a build with -tags accelerate, falling back to cpu")
			return params.DeviceCPU
		}
	}
	return d
}
