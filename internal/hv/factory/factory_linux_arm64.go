//go:build linux && arm64

// Package factory selects a hypervisor backend for the running
// platform.
package factory

import (
	"errors"
	"log/slog"

	"github.com/tinyrange/hvlite/internal/hv"
	"github.com/tinyrange/hvlite/internal/hv/kvm"
	"github.com/tinyrange/hvlite/internal/hv/mshv"
)

// Open returns a hypervisor handle, preferring KVM and falling back to
// MSHV when /dev/kvm is absent.
func Open() (hv.Hypervisor, error) {
	h, err := kvm.Open()
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, hv.ErrHypervisorUnsupported) {
		return nil, err
	}

	slog.Debug("factory: KVM unavailable, trying MSHV", "err", err)

	m, merr := mshv.Open()
	if merr == nil {
		return m, nil
	}

	return nil, hv.ErrHypervisorUnsupported
}
