package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bareManifest has no scaling annotations and no resource block.
func bareManifest() Manifest {
	return Manifest{
		"apiVersion": "serving.knative.dev/v1",
		"kind":       "Service",
		"metadata":   map[string]interface{}{"name": "quiet-service"},
		"spec": map[string]interface{}{
			"template": map[string]interface{}{
				"spec": map[string]interface{}{
					"containers": []interface{}{
						map[string]interface{}{"image": "registry.example.com/quiet:v1"},
					},
				},
			},
		},
	}
}

func TestEnrichCalmTelemetryLeavesManifestUntouched(t *testing.T) {
	m := bareManifest()
	snap := TelemetrySnapshot{
		CPUUtilization:    0.50,
		MemoryUtilization: 0.50,
		P95LatencyMillis:  200,
		ErrorRate:         0.01,
		RequestsPerMinute: 300,
	}

	changes := enrich(m, snap, ProfileBalanced)
	assert.Empty(t, changes)

	assert.Nil(t, lookupTemplateAnnotations(m), "no scaling annotations are injected without a change")
	_, hasResources := firstContainer(m)["resources"]
	assert.False(t, hasResources, "no resource block is materialized without a change")
}

func TestEnrichHotTelemetryCreatesScaleCap(t *testing.T) {
	m := bareManifest()

	changes := enrich(m, hotSnapshot(), ProfileBalanced)
	require.NotEmpty(t, changes)

	annotations := lookupTemplateAnnotations(m)
	require.NotNil(t, annotations)
	assert.Equal(t, "13", annotations[annotationMaxScale])
	_, hasMin := annotations[annotationMinScale]
	assert.False(t, hasMin, "unchanged minScale is not written")

	paths := make([]string, 0, len(changes))
	for _, change := range changes {
		paths = append(paths, change.Path)
	}
	assert.Contains(t, paths, "spec.template.metadata.annotations."+annotationMaxScale)
}

func TestAnnotationPathFallsBackForNonTemplatedManifests(t *testing.T) {
	m := Manifest{
		"kind":     "Service",
		"metadata": map[string]interface{}{"name": "flat-service"},
	}
	assert.Equal(t, "metadata.annotations."+annotationMinScale, annotationPath(m, annotationMinScale))
}
