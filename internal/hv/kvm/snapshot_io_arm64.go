//go:build linux && arm64

package kvm

import (
	"compress/gzip"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/hvlite/internal/hv"
)

// Snapshot is the device-independent state of a KVM VM: every vCPU's
// architectural state, the virtual clock when the host exposes one, and
// the interrupt controller. Guest memory is not included; callers
// snapshot memory separately and use SaveDataTables to make the GIC's
// in-memory tables consistent first.
type Snapshot struct {
	ConfigHash hv.VMConfigHash
	CpuStates  map[int]VcpuState
	Clock      *ClockData
	Gic        *GicState
}

// CaptureSnapshot captures all vCPU states, the clock and the GIC. The
// vCPUs must be stopped.
func (v *Vm) CaptureSnapshot(vcpus []hv.Vcpu, gic *GicV3Its, hash hv.VMConfigHash) (*Snapshot, error) {
	snap := &Snapshot{
		ConfigHash: hash,
		CpuStates:  make(map[int]VcpuState, len(vcpus)),
	}

	states := make([]hv.CpuState, 0, len(vcpus))
	for _, vcpu := range vcpus {
		state, err := vcpu.State()
		if err != nil {
			return nil, fmt.Errorf("capture vCPU %d state: %w", vcpu.ID(), err)
		}

		ks, ok := state.(VcpuState)
		if !ok {
			return nil, &hv.WrongBackendError{Got: state.Backend(), Want: hv.BackendKvm}
		}

		snap.CpuStates[vcpu.ID()] = ks
		states = append(states, state)
	}

	if clock, err := v.Clock(); err != nil {
		if !errors.Is(err, hv.ErrNotSupported) {
			return nil, fmt.Errorf("capture clock: %w", err)
		}
	} else {
		snap.Clock = clock.(*ClockData)
	}

	if gic != nil {
		if err := gic.SetGicrTypers(states); err != nil {
			return nil, err
		}
		if err := gic.SaveDataTables(); err != nil {
			return nil, err
		}

		state, err := gic.State()
		if err != nil {
			return nil, fmt.Errorf("capture GIC state: %w", err)
		}
		gs := state.(GicState)
		snap.Gic = &gs
	}

	return snap, nil
}

// RestoreSnapshot restores a captured snapshot. The config hash must
// match the hash computed for the current VM configuration.
func (v *Vm) RestoreSnapshot(snap *Snapshot, vcpus []hv.Vcpu, gic *GicV3Its, hash hv.VMConfigHash) error {
	if snap.ConfigHash != hash {
		return fmt.Errorf("kvm: snapshot config hash mismatch: got %s, want %s", snap.ConfigHash, hash)
	}

	for _, vcpu := range vcpus {
		state, ok := snap.CpuStates[vcpu.ID()]
		if !ok {
			return fmt.Errorf("kvm: missing vCPU %d state in snapshot", vcpu.ID())
		}
		if err := vcpu.SetState(state); err != nil {
			return fmt.Errorf("restore vCPU %d state: %w", vcpu.ID(), err)
		}
	}

	if snap.Clock != nil {
		clock := *snap.Clock
		clock.ResetFlags()
		if err := v.SetClock(&clock); err != nil && !errors.Is(err, hv.ErrNotSupported) {
			return fmt.Errorf("restore clock: %w", err)
		}
	}

	if gic != nil && snap.Gic != nil {
		if err := gic.SetState(*snap.Gic); err != nil {
			return fmt.Errorf("restore GIC state: %w", err)
		}
	}

	return nil
}

type snapshotBody struct {
	CpuStates map[int]VcpuState
	Clock     ClockData
	Gic       GicState
}

// WriteSnapshot serializes a snapshot: a fixed binary header, the config
// hash, then the gzip-compressed gob body.
func WriteSnapshot(w io.Writer, snap *Snapshot) error {
	if err := binary.Write(w, binary.LittleEndian, hv.SnapshotMagic); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, hv.SnapshotVersion); err != nil {
		return fmt.Errorf("write version: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, hv.BackendToSnapshotBackend(hv.BackendKvm)); err != nil {
		return fmt.Errorf("write backend: %w", err)
	}

	var flags uint32
	if snap.Clock != nil {
		flags |= hv.SnapshotFlagHasClock
	}
	if snap.Gic != nil {
		flags |= hv.SnapshotFlagHasGic
	}
	if err := binary.Write(w, binary.LittleEndian, flags); err != nil {
		return fmt.Errorf("write flags: %w", err)
	}

	if _, err := w.Write(snap.ConfigHash[:]); err != nil {
		return fmt.Errorf("write config hash: %w", err)
	}

	body := snapshotBody{CpuStates: snap.CpuStates}
	if snap.Clock != nil {
		body.Clock = *snap.Clock
	}
	if snap.Gic != nil {
		body.Gic = *snap.Gic
	}

	zw := gzip.NewWriter(w)
	if err := gob.NewEncoder(zw).Encode(&body); err != nil {
		zw.Close()
		return fmt.Errorf("encode snapshot body: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("flush snapshot body: %w", err)
	}

	return nil
}

// ReadSnapshot deserializes a snapshot written by WriteSnapshot.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	var magic, version, backend, flags uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if magic != hv.SnapshotMagic {
		return nil, fmt.Errorf("kvm: bad snapshot magic 0x%08x", magic)
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	if version != hv.SnapshotVersion {
		return nil, fmt.Errorf("kvm: unsupported snapshot version %d", version)
	}
	if err := binary.Read(r, binary.LittleEndian, &backend); err != nil {
		return nil, fmt.Errorf("read backend: %w", err)
	}
	if hv.SnapshotBackendToBackend(backend) != hv.BackendKvm {
		return nil, fmt.Errorf("kvm: snapshot was taken on backend %s", hv.SnapshotBackendToBackend(backend))
	}
	if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
		return nil, fmt.Errorf("read flags: %w", err)
	}

	snap := &Snapshot{}
	if _, err := io.ReadFull(r, snap.ConfigHash[:]); err != nil {
		return nil, fmt.Errorf("read config hash: %w", err)
	}

	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open snapshot body: %w", err)
	}
	defer zr.Close()

	var body snapshotBody
	if err := gob.NewDecoder(zr).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode snapshot body: %w", err)
	}

	snap.CpuStates = body.CpuStates
	if flags&hv.SnapshotFlagHasClock != 0 {
		clock := body.Clock
		snap.Clock = &clock
	}
	if flags&hv.SnapshotFlagHasGic != 0 {
		gic := body.Gic
		snap.Gic = &gic
	}

	return snap, nil
}
