// Package manifest implements the deployment-manifest store and the
// telemetry-driven refresh pipeline that proposes manifest revisions.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/itsneelabh/metarouter/core"
)

// Manifest is a parsed deployment document. Keeping it untyped lets the
// repository round-trip arbitrary manifest shapes.
type Manifest = map[string]interface{}

// Record is one tracked manifest with its provenance.
type Record struct {
	Name            string    `json:"name"`
	FilePath        string    `json:"filePath"`
	Manifest        Manifest  `json:"manifest"`
	LastModifiedUtc time.Time `json:"lastModifiedUtc"`
	Source          string    `json:"source"`
}

// Manifest sources.
const (
	SourceFilesystem = "filesystem"
	SourceGenerated  = "generated"
)

// RevisionMetadata accompanies every saved revision as a sidecar file.
type RevisionMetadata struct {
	JobID          string    `json:"jobId"`
	GeneratedAtUtc time.Time `json:"generatedAtUtc"`
	GeneratedBy    string    `json:"generatedBy"`
	Confidence     float64   `json:"confidence"`
	Profile        string    `json:"profile"`
	Notes          string    `json:"notes,omitempty"`
}

// Repository loads manifests lazily from the manifest directory and writes
// generated revisions into the history directory. The record cache is
// guarded by a single lock; the first reader populates it.
type Repository struct {
	manifestDir string
	historyDir  string
	logger      core.Logger
	now         func() time.Time

	mu      sync.Mutex
	records map[string]*Record
	loaded  bool
}

// NewRepository creates a repository over the two directories.
func NewRepository(manifestDir, historyDir string, logger core.Logger) *Repository {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Repository{
		manifestDir: manifestDir,
		historyDir:  historyDir,
		logger:      logger,
		now:         time.Now,
		records:     make(map[string]*Record),
	}
}

// ListManifests returns all records sorted by service name.
func (r *Repository) ListManifests() ([]*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetManifest returns the record for a service.
func (r *Repository) GetManifest(service string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	rec, ok := r.records[service]
	if !ok {
		return nil, fmt.Errorf("manifest for %q: %w", service, core.ErrManifestNotFound)
	}
	return rec.clone(), nil
}

// SaveRevision writes the manifest as <service>-<jobId>.yml in the history
// directory plus a .meta.json sidecar, and updates the in-memory record.
// Returns the absolute path of the written manifest.
func (r *Repository) SaveRevision(service string, m Manifest, meta RevisionMetadata) (string, error) {
	if err := os.MkdirAll(r.historyDir, 0o755); err != nil {
		return "", fmt.Errorf("create history directory: %w", err)
	}

	data, err := yaml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("serialize manifest for %q: %w", service, err)
	}

	path := filepath.Join(r.historyDir, fmt.Sprintf("%s-%s.yml", service, meta.JobID))
	if err := writeAtomic(path, data); err != nil {
		return "", fmt.Errorf("write revision for %q: %w", service, err)
	}

	sidecar, err := json.MarshalIndent(meta, "", "  ")
	if err == nil {
		if werr := writeAtomic(path+".meta.json", sidecar); werr != nil {
			r.logger.Warn("Revision metadata sidecar write failed", map[string]interface{}{
				"operation": "save_revision",
				"service":   service,
				"error":     werr.Error(),
			})
		}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	r.mu.Lock()
	r.records[service] = &Record{
		Name:            service,
		FilePath:        abs,
		Manifest:        deepCopy(m),
		LastModifiedUtc: r.now().UTC(),
		Source:          SourceGenerated,
	}
	r.mu.Unlock()

	r.logger.Info("Manifest revision saved", map[string]interface{}{
		"operation": "save_revision",
		"service":   service,
		"job_id":    meta.JobID,
		"path":      abs,
	})
	return abs, nil
}

// ensureLoadedLocked scans the manifest directory once. A missing
// directory yields an empty repository rather than an error.
func (r *Repository) ensureLoadedLocked() error {
	if r.loaded {
		return nil
	}

	entries, err := os.ReadDir(r.manifestDir)
	if err != nil {
		if os.IsNotExist(err) {
			r.loaded = true
			return nil
		}
		return fmt.Errorf("scan manifest directory %q: %w", r.manifestDir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yml" && ext != ".yaml" {
			continue
		}

		path := filepath.Join(r.manifestDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("Skipping unreadable manifest", map[string]interface{}{
				"operation": "manifest_scan",
				"path":      path,
				"error":     err.Error(),
			})
			continue
		}

		var m Manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			r.logger.Warn("Skipping malformed manifest", map[string]interface{}{
				"operation": "manifest_scan",
				"path":      path,
				"error":     err.Error(),
			})
			continue
		}

		name := serviceKey(m, entry.Name())
		modified := r.now().UTC()
		if info, err := entry.Info(); err == nil {
			modified = info.ModTime().UTC()
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}

		r.records[name] = &Record{
			Name:            name,
			FilePath:        abs,
			Manifest:        m,
			LastModifiedUtc: modified,
			Source:          SourceFilesystem,
		}
	}

	r.loaded = true
	r.logger.Info("Manifest directory scanned", map[string]interface{}{
		"operation": "manifest_scan",
		"directory": r.manifestDir,
		"manifests": len(r.records),
	})
	return nil
}

// serviceKey prefers metadata.name, falling back to the file basename.
func serviceKey(m Manifest, filename string) string {
	if meta, ok := m["metadata"].(map[string]interface{}); ok {
		if name, ok := meta["name"].(string); ok && name != "" {
			return name
		}
	}
	base := filepath.Base(filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// writeAtomic writes via a temp file and rename so readers never see a
// partial manifest.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func (r *Record) clone() *Record {
	out := *r
	out.Manifest = deepCopy(r.Manifest)
	return &out
}

// deepCopy clones nested map/slice structures so enrichment never mutates
// the stored record.
func deepCopy(m Manifest) Manifest {
	return copyValue(m).(Manifest)
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = copyValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = copyValue(val)
		}
		return out
	default:
		return v
	}
}
