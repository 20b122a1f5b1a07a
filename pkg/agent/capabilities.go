package agent

import (
	"bytes"
	"os/exec"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/gridfarm/worker-agent/pkg/api"
)

const (
	bytesPerMiB = 1024 * 1024
	bytesPerGiB = 1024 * 1024 * 1024
)

// detectCapabilities assembles the capability set advertised with
// CreateWorker and UpdateWorker(STARTED): a detected baseline merged with the
// configured overrides, overrides winning by name.
func detectCapabilities(cfg *Config, logger *zap.Logger) api.Capabilities {
	amounts := map[string]float64{}
	attributes := map[string][]string{
		"attr.worker.os.family": {osFamily()},
		"attr.worker.cpu.arch":  {cpuArch()},
	}

	if count, err := cpu.Counts(true); err == nil && count > 0 {
		amounts["amount.worker.vcpu"] = float64(count)
	} else if err != nil {
		logger.Warn("Could not count CPUs", zap.Error(err))
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		amounts["amount.worker.memory"] = float64(vm.Total / bytesPerMiB)
	} else {
		logger.Warn("Could not read memory size", zap.Error(err))
	}

	if free, ok := scratchSpaceGiB(cfg.sessionsDir()); ok {
		amounts["amount.worker.disk.scratch_space"] = free
	}

	if count, memoryMiB := detectNvidiaGPUs(logger); count > 0 {
		amounts["amount.worker.gpu"] = float64(count)
		if memoryMiB > 0 {
			amounts["amount.worker.gpu.memory"] = memoryMiB
		}
	}

	for name, value := range cfg.CapabilityAmounts {
		amounts[name] = value
	}
	for name, values := range cfg.CapabilityAttributes {
		attributes[name] = values
	}

	return buildCapabilities(amounts, attributes)
}

// InspectHost reports the capability set and host properties the agent would
// advertise, without contacting the service.
func InspectHost(cfg *Config, logger *zap.Logger) (api.Capabilities, *api.HostProperties) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return detectCapabilities(cfg, logger), detectHostProperties(logger)
}

// buildCapabilities turns capability maps into the sorted wire shape.
func buildCapabilities(amounts map[string]float64, attributes map[string][]string) api.Capabilities {
	caps := api.Capabilities{
		Amounts:    make([]api.AmountCapability, 0, len(amounts)),
		Attributes: make([]api.AttributeCapability, 0, len(attributes)),
	}
	for name, value := range amounts {
		caps.Amounts = append(caps.Amounts, api.AmountCapability{Name: name, Value: value})
	}
	for name, values := range attributes {
		caps.Attributes = append(caps.Attributes, api.AttributeCapability{Name: name, Values: values})
	}
	sort.Slice(caps.Amounts, func(i, j int) bool { return caps.Amounts[i].Name < caps.Amounts[j].Name })
	sort.Slice(caps.Attributes, func(i, j int) bool { return caps.Attributes[i].Name < caps.Attributes[j].Name })
	return caps
}

func osFamily() string {
	switch runtime.GOOS {
	case "darwin":
		return "macos"
	default:
		return runtime.GOOS
	}
}

func cpuArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "386":
		return "x86"
	default:
		return runtime.GOARCH
	}
}

// scratchSpaceGiB measures free space where session directories will live,
// falling back to the root filesystem while the directory does not exist yet.
func scratchSpaceGiB(path string) (float64, bool) {
	usage, err := disk.Usage(path)
	if err != nil {
		usage, err = disk.Usage("/")
	}
	if err != nil {
		return 0, false
	}
	return float64(usage.Free) / bytesPerGiB, true
}

// detectNvidiaGPUs counts NVIDIA devices and reports the smallest per-device
// memory, the amount every GPU in the pool is guaranteed to have. Hosts
// without the vendor tool report no GPUs.
func detectNvidiaGPUs(logger *zap.Logger) (int, float64) {
	cmd := exec.Command("nvidia-smi", "--query-gpu=memory.total", "--format=csv,noheader,nounits")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = nil

	if err := cmd.Run(); err != nil {
		logger.Debug("nvidia-smi not available", zap.Error(err))
		return 0, 0
	}

	count := 0
	minMemory := 0.0
	for _, line := range strings.Split(out.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		count++
		memory, err := strconv.ParseFloat(line, 64)
		if err != nil {
			continue
		}
		if minMemory == 0 || memory < minMemory {
			minMemory = memory
		}
	}
	if count > 0 {
		logger.Info("Detected NVIDIA GPUs",
			zap.Int("count", count),
			zap.Float64("memory_mib", minMemory))
	}
	return count, minMemory
}
