//go:build accelerate

package main

// #cgo LDFLAGS: -framework Accelerate
import "C"
import (
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

// Built with -tags accelerate: matrix products go through Apple's Accelerate
// and the mps device becomes available.
func init() {
	blas64.Use(netlib.Implementation{})
	accelerated = true
}
