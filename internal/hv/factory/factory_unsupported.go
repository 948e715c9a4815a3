//go:build !(linux && arm64)

package factory

import "github.com/tinyrange/hvlite/internal/hv"

func Open() (hv.Hypervisor, error) {
	return nil, hv.ErrHypervisorUnsupported
}
