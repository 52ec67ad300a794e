package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/metarouter/core"
)

const sampleManifest = `apiVersion: serving.knative.dev/v1
kind: Service
metadata:
  name: payment-processing-service
spec:
  template:
    metadata:
      annotations:
        autoscaling.knative.dev/minScale: "2"
        autoscaling.knative.dev/maxScale: "10"
    spec:
      containers:
        - image: registry.example.com/payments:v3
          resources:
            limits:
              cpu: "1"
              memory: 1Gi
            requests:
              cpu: 500m
              memory: 512Mi
`

func newTestRepo(t *testing.T) (*Repository, string, string) {
	t.Helper()
	manifestDir := t.TempDir()
	historyDir := filepath.Join(t.TempDir(), "history")

	require.NoError(t, os.WriteFile(filepath.Join(manifestDir, "payments.yml"), []byte(sampleManifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(manifestDir, "unnamed.yaml"), []byte("kind: Service\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(manifestDir, "notes.txt"), []byte("ignore me"), 0o644))

	return NewRepository(manifestDir, historyDir, nil), manifestDir, historyDir
}

func TestRepositoryScan(t *testing.T) {
	repo, _, _ := newTestRepo(t)

	records, err := repo.ListManifests()
	require.NoError(t, err)
	require.Len(t, records, 2, "only .yml/.yaml files are manifests")

	// Key comes from metadata.name when present, else the basename
	names := []string{records[0].Name, records[1].Name}
	assert.Contains(t, names, "payment-processing-service")
	assert.Contains(t, names, "unnamed")

	rec, err := repo.GetManifest("payment-processing-service")
	require.NoError(t, err)
	assert.Equal(t, SourceFilesystem, rec.Source)
	assert.NotEmpty(t, rec.FilePath)
}

func TestRepositoryGetManifestNotFound(t *testing.T) {
	repo, _, _ := newTestRepo(t)

	_, err := repo.GetManifest("ghost-service")
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
}

func TestRepositoryMissingDirectory(t *testing.T) {
	repo := NewRepository("/does/not/exist", t.TempDir(), nil)

	records, err := repo.ListManifests()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSaveRevision(t *testing.T) {
	repo, _, historyDir := newTestRepo(t)

	rec, err := repo.GetManifest("payment-processing-service")
	require.NoError(t, err)

	meta := RevisionMetadata{
		JobID:          "job-123",
		GeneratedAtUtc: time.Now().UTC(),
		GeneratedBy:    "manifest-refresher",
		Confidence:     0.8,
		Profile:        ProfileBalanced,
	}
	path, err := repo.SaveRevision("payment-processing-service", rec.Manifest, meta)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(historyDir, "payment-processing-service-job-123.yml"), path)
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
	_, statErr = os.Stat(path + ".meta.json")
	assert.NoError(t, statErr, "metadata sidecar should be written")

	// The in-memory record now reflects the generated revision
	updated, err := repo.GetManifest("payment-processing-service")
	require.NoError(t, err)
	assert.Equal(t, SourceGenerated, updated.Source)
	assert.Equal(t, path, updated.FilePath)
}

func TestRecordCloneIsolation(t *testing.T) {
	repo, _, _ := newTestRepo(t)

	rec, err := repo.GetManifest("payment-processing-service")
	require.NoError(t, err)
	rec.Manifest["kind"] = "Mutated"

	again, err := repo.GetManifest("payment-processing-service")
	require.NoError(t, err)
	assert.Equal(t, "Service", again.Manifest["kind"], "callers must not mutate the stored record")
}
