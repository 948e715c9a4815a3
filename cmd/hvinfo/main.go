//go:build linux && arm64

// Command hvinfo probes the platform hypervisor and reports what this
// machine can run: the selected backend, the required capability set,
// and, given a memory layout file, the interrupt controller placement a
// VM built from that layout would use.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/hvlite/internal/hv"
	"github.com/tinyrange/hvlite/internal/hv/factory"
	"github.com/tinyrange/hvlite/internal/hv/kvm"
	"gopkg.in/yaml.v3"
)

type regionConfig struct {
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

func (r regionConfig) end() uint64 { return r.Base + r.Size }

func (r regionConfig) overlaps(other regionConfig) bool {
	if r.Size == 0 || other.Size == 0 {
		return false
	}
	return r.Base < other.end() && other.Base < r.end()
}

type layoutConfig struct {
	Vcpus          uint64       `yaml:"vcpus"`
	Distributor    regionConfig `yaml:"distributor"`
	Redistributors regionConfig `yaml:"redistributors"`
	Msi            regionConfig `yaml:"msi"`
}

const (
	frameAlign     = 0x10000 // 64 KiB
	redistFrameLen = 0x20000 // two 64 KiB frames per vCPU
)

func loadLayout(path string) (layoutConfig, error) {
	var cfg layoutConfig

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read layout: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse layout: %w", err)
	}

	if cfg.Vcpus == 0 {
		return cfg, fmt.Errorf("layout: vcpus must be at least 1")
	}

	regions := map[string]regionConfig{
		"distributor":    cfg.Distributor,
		"redistributors": cfg.Redistributors,
		"msi":            cfg.Msi,
	}
	for name, region := range regions {
		if region.Size == 0 && name == "msi" {
			continue
		}
		if region.Base%frameAlign != 0 {
			return cfg, fmt.Errorf("layout: %s base 0x%x not 64KiB aligned", name, region.Base)
		}
		if region.Size == 0 {
			return cfg, fmt.Errorf("layout: %s has no size", name)
		}
	}

	if cfg.Redistributors.Size < cfg.Vcpus*redistFrameLen {
		return cfg, fmt.Errorf("layout: redistributor region holds %d vCPUs, need %d",
			cfg.Redistributors.Size/redistFrameLen, cfg.Vcpus)
	}

	if cfg.Distributor.overlaps(cfg.Redistributors) ||
		cfg.Distributor.overlaps(cfg.Msi) ||
		cfg.Redistributors.overlaps(cfg.Msi) {
		return cfg, fmt.Errorf("layout: interrupt controller regions overlap")
	}

	return cfg, nil
}

func (cfg layoutConfig) vgicConfig() hv.VgicConfig {
	return hv.VgicConfig{
		DistAddr:    cfg.Distributor.Base,
		DistSize:    cfg.Distributor.Size,
		RedistsAddr: cfg.Redistributors.Base,
		RedistsSize: cfg.Redistributors.Size,
		MsiAddr:     cfg.Msi.Base,
		MsiSize:     cfg.Msi.Size,
		VcpuCount:   cfg.Vcpus,
	}
}

func reportBackend() (hv.Backend, error) {
	h, err := factory.Open()
	if err != nil {
		return hv.BackendInvalid, err
	}
	defer h.Close()

	fmt.Printf("backend: %s\n", h.Backend())

	if kh, ok := h.(*kvm.Hypervisor); ok {
		if version, err := kh.ApiVersion(); err == nil {
			fmt.Printf("api version: %d\n", version)
		}

		fmt.Println("capabilities:")
		for _, cap := range kvm.RequiredCapabilities {
			v, err := kh.CheckExtension(cap)
			status := "ok"
			if err != nil || v == 0 {
				status = "missing"
			}
			fmt.Printf("  %-28s %s\n", cap, status)
		}

		if ipa, err := kh.CheckExtension(kvm.CapArmVmIpaSize); err == nil && ipa > 0 {
			fmt.Printf("max guest address bits: %d\n", ipa)
		}
	}

	return h.Backend(), nil
}

func reportLayout(backend hv.Backend, path string) error {
	cfg, err := loadLayout(path)
	if err != nil {
		return err
	}

	vc := cfg.vgicConfig()

	fmt.Printf("vcpus: %d\n", vc.VcpuCount)
	fmt.Printf("gic distributor:    0x%08x + 0x%x\n", vc.DistAddr, vc.DistSize)
	fmt.Printf("gic redistributors: 0x%08x + 0x%x\n", vc.RedistsAddr, vc.RedistsSize)
	if vc.MsiSize > 0 {
		fmt.Printf("gic msi frame:      0x%08x + 0x%x\n", vc.MsiAddr, vc.MsiSize)
	} else {
		fmt.Println("gic msi frame:      none")
	}
	fmt.Printf("config hash: %s\n", hv.ComputeConfigHash(backend, int(vc.VcpuCount), vc))

	return nil
}

func main() {
	layout := flag.String("layout", "", "memory layout YAML to validate and report")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	backend, err := reportBackend()
	if err != nil {
		slog.Error("probe hypervisor", "err", err)
		os.Exit(1)
	}

	if *layout != "" {
		if err := reportLayout(backend, *layout); err != nil {
			slog.Error("report layout", "err", err)
			os.Exit(1)
		}
	}
}
