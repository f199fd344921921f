//go:build !cgo
// +build !cgo

package engine

import "errors"

// newORTBackend is unavailable without cgo; the variant chain falls through
// to the reference backend (see onnx.go for the real implementation).
func newORTBackend(_ string, _ Kind, _ int, _ Options) (Backend, error) {
	return nil, errors.New("onnx backends require CGO; build with CGO_ENABLED=1 and the onnxruntime library")
}
