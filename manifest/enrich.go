package manifest

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Knative autoscaling annotation keys.
const (
	annotationMinScale = "autoscaling.knative.dev/minScale"
	annotationMaxScale = "autoscaling.knative.dev/maxScale"
)

// Change impacts.
const (
	ImpactIncrease = "increase"
	ImpactDecrease = "decrease"
	ImpactChange   = "change"
)

// Change records one enrichment mutation for the job diff summary.
type Change struct {
	Path      string `json:"path"`
	Before    string `json:"before"`
	After     string `json:"after"`
	Rationale string `json:"rationale"`
	Impact    string `json:"impact"`
}

// enrich mutates the manifest copy in place according to the telemetry
// snapshot and profile, returning the accumulated changes.
func enrich(m Manifest, snap TelemetrySnapshot, profile string) []Change {
	var changes []Change
	changes = append(changes, enrichScaling(m, snap, profile)...)
	changes = append(changes, enrichResources(m, snap, profile)...)
	changes = append(changes, enrichProbes(m, snap)...)
	return changes
}

func enrichScaling(m Manifest, snap TelemetrySnapshot, profile string) []Change {
	existing := lookupTemplateAnnotations(m)
	oldMin := annotationInt(existing, annotationMinScale, 1)
	oldMax := annotationInt(existing, annotationMaxScale, 10)
	newMin, newMax := oldMin, oldMax

	var changes []Change

	if snap.CPUUtilization > 0.75 || snap.P95LatencyMillis > 600 {
		newMax = int(math.Ceil(float64(oldMax) * 1.3))
		changes = append(changes, Change{
			Path:      annotationPath(m, annotationMaxScale),
			Before:    strconv.Itoa(oldMax),
			After:     strconv.Itoa(newMax),
			Rationale: "headroom for elevated load",
			Impact:    ImpactIncrease,
		})
	}
	if snap.CPUUtilization < 0.35 && snap.RequestsPerMinute < 120 {
		newMin = int(math.Floor(float64(oldMin) * 0.7))
		if newMin < 1 {
			newMin = 1
		}
		if newMin != oldMin {
			changes = append(changes, Change{
				Path:      annotationPath(m, annotationMinScale),
				Before:    strconv.Itoa(oldMin),
				After:     strconv.Itoa(newMin),
				Rationale: "reduce idle cost",
				Impact:    ImpactDecrease,
			})
		}
	}
	if profile == ProfilePerformance && newMin < oldMin+1 {
		prev := newMin
		newMin = oldMin + 1
		changes = append(changes, Change{
			Path:      annotationPath(m, annotationMinScale),
			Before:    strconv.Itoa(prev),
			After:     strconv.Itoa(newMin),
			Rationale: "performance profile keeps warm capacity",
			Impact:    ImpactIncrease,
		})
	}

	// Untouched annotations stay as they are; an annotation-free manifest
	// must not grow a scaling cap it never declared.
	if newMin != oldMin {
		templateAnnotations(m)[annotationMinScale] = strconv.Itoa(newMin)
	}
	if newMax != oldMax {
		templateAnnotations(m)[annotationMaxScale] = strconv.Itoa(newMax)
	}
	return changes
}

func enrichResources(m Manifest, snap TelemetrySnapshot, profile string) []Change {
	container := firstContainer(m)
	if container == nil {
		return nil
	}
	needsCPU := snap.CPUUtilization > 0.8
	needsMemory := snap.MemoryUtilization > 0.75
	needsTrim := profile == ProfileCost && snap.CPUUtilization < 0.45
	if !needsCPU && !needsMemory && !needsTrim {
		return nil
	}
	resources := ensureMap(container, "resources")
	limits := ensureMap(resources, "limits")

	var changes []Change

	if needsCPU {
		requests := ensureMap(resources, "requests")
		oldLimit := cpuValue(limits, "cpu", 1.0)
		newLimit := round2(oldLimit * 1.2)
		limits["cpu"] = formatCPU(newLimit)
		changes = append(changes, Change{
			Path:      "resources.limits.cpu",
			Before:    formatCPU(oldLimit),
			After:     formatCPU(newLimit),
			Rationale: "cpu saturation",
			Impact:    ImpactIncrease,
		})

		oldRequest := cpuValue(requests, "cpu", 0.25)
		newRequest := round2(newLimit * 0.6)
		if oldRequest > newRequest {
			newRequest = oldRequest
		}
		if newRequest != oldRequest {
			requests["cpu"] = formatCPU(newRequest)
			changes = append(changes, Change{
				Path:      "resources.requests.cpu",
				Before:    formatCPU(oldRequest),
				After:     formatCPU(newRequest),
				Rationale: "keep request proportional to limit",
				Impact:    ImpactIncrease,
			})
		}
	}

	if needsMemory {
		requests := ensureMap(resources, "requests")
		oldLimit := memoryMi(limits, "memory", 512)
		newLimit := roundToStep(float64(oldLimit)*1.25, 256)
		limits["memory"] = fmt.Sprintf("%dMi", newLimit)
		changes = append(changes, Change{
			Path:      "resources.limits.memory",
			Before:    fmt.Sprintf("%dMi", oldLimit),
			After:     fmt.Sprintf("%dMi", newLimit),
			Rationale: "memory pressure",
			Impact:    ImpactIncrease,
		})

		oldRequest := memoryMi(requests, "memory", 256)
		newRequest := roundToStep(float64(oldRequest)*1.15, 128)
		requests["memory"] = fmt.Sprintf("%dMi", newRequest)
		changes = append(changes, Change{
			Path:      "resources.requests.memory",
			Before:    fmt.Sprintf("%dMi", oldRequest),
			After:     fmt.Sprintf("%dMi", newRequest),
			Rationale: "memory pressure",
			Impact:    ImpactIncrease,
		})
	}

	if needsTrim {
		oldLimit := cpuValue(limits, "cpu", 1.0)
		newLimit := round2(oldLimit * 0.8)
		if newLimit < 0.5 {
			newLimit = 0.5
		}
		if newLimit != oldLimit {
			limits["cpu"] = formatCPU(newLimit)
			changes = append(changes, Change{
				Path:      "resources.limits.cpu",
				Before:    formatCPU(oldLimit),
				After:     formatCPU(newLimit),
				Rationale: "cost profile trims underused cpu",
				Impact:    ImpactDecrease,
			})
		}
	}

	return changes
}

func enrichProbes(m Manifest, snap TelemetrySnapshot) []Change {
	if snap.ErrorRate <= 0.04 {
		return nil
	}
	container := firstContainer(m)
	if container == nil {
		return nil
	}

	var changes []Change
	if _, ok := container["readinessProbe"]; !ok {
		container["readinessProbe"] = map[string]interface{}{
			"httpGet":             map[string]interface{}{"path": "/ready", "port": 8080},
			"initialDelaySeconds": 5,
			"periodSeconds":       5,
		}
		changes = append(changes, Change{
			Path:      "readinessProbe",
			Before:    "absent",
			After:     "GET /ready:8080",
			Rationale: "elevated error rate without readiness gate",
			Impact:    ImpactChange,
		})
	}
	if _, ok := container["livenessProbe"]; !ok {
		container["livenessProbe"] = map[string]interface{}{
			"httpGet":             map[string]interface{}{"path": "/health", "port": 8080},
			"initialDelaySeconds": 10,
			"periodSeconds":       10,
		}
		changes = append(changes, Change{
			Path:      "livenessProbe",
			Before:    "absent",
			After:     "GET /health:8080",
			Rationale: "elevated error rate without liveness gate",
			Impact:    ImpactChange,
		})
	}
	return changes
}

// templateAnnotations returns spec.template.metadata.annotations, creating
// the path when absent, with a fallback to top-level metadata.annotations
// for non-templated manifests.
func templateAnnotations(m Manifest) map[string]interface{} {
	if spec, ok := m["spec"].(map[string]interface{}); ok {
		if template, ok := spec["template"].(map[string]interface{}); ok {
			meta := ensureMap(template, "metadata")
			return ensureMap(meta, "annotations")
		}
	}
	meta := ensureMap(m, "metadata")
	return ensureMap(meta, "annotations")
}

// lookupTemplateAnnotations returns the annotations map at the same
// location templateAnnotations would use, or nil when absent, without
// mutating the manifest.
func lookupTemplateAnnotations(m Manifest) map[string]interface{} {
	if spec, ok := m["spec"].(map[string]interface{}); ok {
		if template, ok := spec["template"].(map[string]interface{}); ok {
			if meta, ok := template["metadata"].(map[string]interface{}); ok {
				if annotations, ok := meta["annotations"].(map[string]interface{}); ok {
					return annotations
				}
			}
			return nil
		}
	}
	if meta, ok := m["metadata"].(map[string]interface{}); ok {
		if annotations, ok := meta["annotations"].(map[string]interface{}); ok {
			return annotations
		}
	}
	return nil
}

// annotationPath names where a scaling annotation lives in this manifest
// for diff reporting.
func annotationPath(m Manifest, key string) string {
	if spec, ok := m["spec"].(map[string]interface{}); ok {
		if _, ok := spec["template"].(map[string]interface{}); ok {
			return "spec.template.metadata.annotations." + key
		}
	}
	return "metadata.annotations." + key
}

// firstContainer returns the first container map under
// spec.template.spec.containers, or nil.
func firstContainer(m Manifest) map[string]interface{} {
	spec, ok := m["spec"].(map[string]interface{})
	if !ok {
		return nil
	}
	template, ok := spec["template"].(map[string]interface{})
	if !ok {
		return nil
	}
	inner, ok := template["spec"].(map[string]interface{})
	if !ok {
		return nil
	}
	containers, ok := inner["containers"].([]interface{})
	if !ok || len(containers) == 0 {
		return nil
	}
	container, ok := containers[0].(map[string]interface{})
	if !ok {
		return nil
	}
	return container
}

func ensureMap(parent map[string]interface{}, key string) map[string]interface{} {
	if child, ok := parent[key].(map[string]interface{}); ok {
		return child
	}
	child := make(map[string]interface{})
	parent[key] = child
	return child
}

func annotationInt(annotations map[string]interface{}, key string, fallback int) int {
	raw, ok := annotations[key]
	if !ok {
		return fallback
	}
	switch v := raw.(type) {
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

// cpuValue parses a CPU quantity in cores; "500m" means 0.5.
func cpuValue(resources map[string]interface{}, key string, fallback float64) float64 {
	raw, ok := resources[key]
	if !ok {
		return fallback
	}
	switch v := raw.(type) {
	case string:
		s := strings.TrimSpace(v)
		if strings.HasSuffix(s, "m") {
			if milli, err := strconv.ParseFloat(strings.TrimSuffix(s, "m"), 64); err == nil {
				return milli / 1000
			}
			return fallback
		}
		if cores, err := strconv.ParseFloat(s, 64); err == nil {
			return cores
		}
	case int:
		return float64(v)
	case float64:
		return v
	}
	return fallback
}

// memoryMi parses a memory quantity into Mi; Gi scales by 1024.
func memoryMi(resources map[string]interface{}, key string, fallback int) int {
	raw, ok := resources[key]
	if !ok {
		return fallback
	}
	s, ok := raw.(string)
	if !ok {
		return fallback
	}
	s = strings.TrimSpace(s)
	switch {
	case strings.HasSuffix(s, "Gi"):
		if gi, err := strconv.ParseFloat(strings.TrimSuffix(s, "Gi"), 64); err == nil {
			return int(gi * 1024)
		}
	case strings.HasSuffix(s, "Mi"):
		if mi, err := strconv.ParseFloat(strings.TrimSuffix(s, "Mi"), 64); err == nil {
			return int(mi)
		}
	default:
		if mi, err := strconv.ParseFloat(s, 64); err == nil {
			return int(mi)
		}
	}
	return fallback
}

func formatCPU(cores float64) string {
	return strconv.FormatFloat(round2(cores), 'f', -1, 64)
}

func roundToStep(v float64, step int) int {
	n := int(math.Round(v/float64(step))) * step
	if n < step {
		n = step
	}
	return n
}
