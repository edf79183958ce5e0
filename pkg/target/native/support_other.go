//go:build !linux || !amd64

package native

import (
	"github.com/hitzhangjie/teleproc/pkg/target"
)

// Backend is the native process backend.
type Backend struct{}

// New returns the native backend.
func New() *Backend {
	return &Backend{}
}

func (b *Backend) Create(argv []string, opts target.LaunchOptions) (target.Proc, error) {
	return nil, target.ErrNotSupported
}

func (b *Backend) Grab(pid int) (target.Proc, error) {
	return nil, target.ErrNotSupported
}

// Close is a no-op.
func (b *Backend) Close() {}
