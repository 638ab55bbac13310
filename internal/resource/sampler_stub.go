//go:build !linux

package resource

import (
	"context"
	"fmt"
	"runtime"
)

// ProcSampler is only implemented for Linux hosts.
type ProcSampler struct{}

// NewSampler returns a sampler that fails on non-Linux hosts.
func NewSampler(includeRemovable bool) *ProcSampler {
	return &ProcSampler{}
}

// Sample always fails off Linux.
func (s *ProcSampler) Sample(ctx context.Context) (*Sample, error) {
	return nil, fmt.Errorf("resource sampling not supported on %s", runtime.GOOS)
}
