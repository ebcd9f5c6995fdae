package resolver

import (
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

const gpuResource = "nvidia.com/gpu"

// computeResources sums the requests of the main container and sidecars.
// CPU is in cores, memory in MiB.
func computeResources(compiled domain.CompiledOperation) domain.Resources {
	var out domain.Resources
	containers := make([]domain.Container, 0, 1+len(compiled.Run.Sidecars))
	if compiled.Run.Container != nil {
		containers = append(containers, *compiled.Run.Container)
	}
	containers = append(containers, compiled.Run.Sidecars...)
	for _, c := range containers {
		requests := c.Resources.Requests
		if len(requests) == 0 {
			requests = c.Resources.Limits
		}
		for name, quantity := range requests {
			switch name {
			case "cpu":
				out.CPU += parseCPU(quantity)
			case "memory":
				out.Memory += parseMemory(quantity)
			case gpuResource, "gpu":
				out.GPU += parseCPU(quantity)
			default:
				out.Custom += parseCPU(quantity)
			}
		}
	}
	return out
}

// parseCPU reads "2", "0.5" or millicores like "500m". Invalid quantities count as 0.
func parseCPU(quantity string) float64 {
	quantity = strings.TrimSpace(quantity)
	if milli, ok := strings.CutSuffix(quantity, "m"); ok {
		v, err := strconv.ParseFloat(milli, 64)
		if err != nil {
			return 0
		}
		return v / 1000
	}
	v, err := strconv.ParseFloat(quantity, 64)
	if err != nil {
		return 0
	}
	return v
}

// parseMemory reads quantities like "512Mi", "1G" or "1.5GiB" and returns MiB.
func parseMemory(quantity string) float64 {
	quantity = strings.TrimSpace(quantity)
	if quantity == "" {
		return 0
	}
	if last := quantity[len(quantity)-1]; last == 'i' || strings.ContainsRune("KMGTPE", rune(last)) {
		quantity += "B"
	}
	bytes, err := humanize.ParseBytes(quantity)
	if err != nil {
		return 0
	}
	return float64(bytes) / float64(humanize.MiByte)
}
