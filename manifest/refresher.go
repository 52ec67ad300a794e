package manifest

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itsneelabh/metarouter/core"
)

// Job statuses. APPLIED and FAILED are terminal.
const (
	StatusPending          = "PENDING"
	StatusGenerating       = "GENERATING"
	StatusAwaitingApproval = "AWAITING_APPROVAL"
	StatusApplied          = "APPLIED"
	StatusFailed           = "FAILED"
)

// Refresh profiles.
const (
	ProfileBalanced    = "balanced"
	ProfilePerformance = "performance"
	ProfileCost        = "cost"
	ProfileCompliance  = "compliance"
)

// Risk levels derived from the drift score.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Job is one manifest refresh run.
type Job struct {
	ID              string             `json:"id"`
	Service         string             `json:"service"`
	Status          string             `json:"status"`
	Profile         string             `json:"profile"`
	CreatedAtUtc    time.Time          `json:"createdAtUtc"`
	UpdatedAtUtc    time.Time          `json:"updatedAtUtc"`
	Notes           string             `json:"notes,omitempty"`
	Telemetry       *TelemetrySnapshot `json:"telemetry,omitempty"`
	DriftScore      float64            `json:"driftScore"`
	RiskLevel       string             `json:"riskLevel,omitempty"`
	Confidence      float64            `json:"confidence"`
	DiffSummary     []Change           `json:"diffSummary"`
	ManifestPreview Manifest           `json:"manifestPreview,omitempty"`
	ManifestPath    string             `json:"manifestPath,omitempty"`
	Error           string             `json:"error,omitempty"`
}

// RefreshOptions are the caller-supplied knobs of triggerRefresh.
type RefreshOptions struct {
	Profile   string `json:"profile,omitempty"`
	Notes     string `json:"notes,omitempty"`
	AutoApply *bool  `json:"autoApply,omitempty"`
}

// RefresherConfig carries the env-derived refresh policy.
type RefresherConfig struct {
	DefaultProfile         string
	AutoApplyLowRisk       bool
	DriftWarningThreshold  float64
	DriftCriticalThreshold float64
}

// Refresher runs the telemetry-driven enrichment pipeline and tracks its
// jobs. The job table is guarded by a single lock, which also serializes
// state transitions per job.
type Refresher struct {
	repo      *Repository
	telemetry TelemetryProvider
	config    RefresherConfig
	logger    core.Logger
	now       func() time.Time

	mu   sync.Mutex
	jobs map[string]*Job
}

// NewRefresher wires the refresher over the repository and telemetry
// provider.
func NewRefresher(repo *Repository, telemetry TelemetryProvider, config RefresherConfig, logger core.Logger) *Refresher {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if config.DefaultProfile == "" {
		config.DefaultProfile = ProfileBalanced
	}
	if config.DriftWarningThreshold <= 0 {
		config.DriftWarningThreshold = 0.4
	}
	if config.DriftCriticalThreshold <= 0 {
		config.DriftCriticalThreshold = 0.7
	}
	return &Refresher{
		repo:      repo,
		telemetry: telemetry,
		config:    config,
		logger:    logger,
		now:       time.Now,
		jobs:      make(map[string]*Job),
	}
}

// ListManifests delegates to the repository.
func (r *Refresher) ListManifests() ([]*Record, error) {
	return r.repo.ListManifests()
}

// GetManifest delegates to the repository.
func (r *Refresher) GetManifest(service string) (*Record, error) {
	return r.repo.GetManifest(service)
}

// ListJobs returns all jobs sorted by creation time, newest first.
func (r *Refresher) ListJobs() []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, job.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAtUtc.After(out[j].CreatedAtUtc)
	})
	return out
}

// GetJob returns the job by id.
func (r *Refresher) GetJob(id string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %q: %w", id, core.ErrJobNotFound)
	}
	return job.clone(), nil
}

// LatestJobFor returns the newest job for a service, or nil.
func (r *Refresher) LatestJobFor(service string) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *Job
	for _, job := range r.jobs {
		if job.Service != service {
			continue
		}
		if latest == nil || job.CreatedAtUtc.After(latest.CreatedAtUtc) {
			latest = job
		}
	}
	if latest == nil {
		return nil
	}
	return latest.clone()
}

// TriggerRefresh runs the enrichment pipeline synchronously and returns the
// resulting job.
func (r *Refresher) TriggerRefresh(service string, opts RefreshOptions) (*Job, error) {
	record, err := r.repo.GetManifest(service)
	if err != nil {
		return nil, err
	}

	profile := opts.Profile
	if profile == "" {
		profile = r.config.DefaultProfile
	}
	autoApply := r.config.AutoApplyLowRisk
	if opts.AutoApply != nil {
		autoApply = *opts.AutoApply
	}

	now := r.now().UTC()
	job := &Job{
		ID:           uuid.NewString(),
		Service:      service,
		Status:       StatusGenerating,
		Profile:      profile,
		CreatedAtUtc: now,
		UpdatedAtUtc: now,
		Notes:        opts.Notes,
	}

	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()

	r.runPipeline(job, record, autoApply)
	return r.GetJob(job.ID)
}

// runPipeline executes enrichment for one job. Any panic inside the
// pipeline fails the job rather than the process.
func (r *Refresher) runPipeline(job *Job, record *Record, autoApply bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.fail(job.ID, fmt.Sprintf("enrichment panic: %v", rec))
		}
	}()

	snap := r.telemetry.Snapshot(job.Service)
	preview := deepCopy(record.Manifest)
	changes := enrich(preview, snap, job.Profile)

	drift := driftScore(snap)
	risk := r.riskLevel(drift)
	confidence := math.Max(0.5, 1-snap.ErrorRate*4)

	r.mu.Lock()
	job = r.jobs[job.ID]
	job.Telemetry = &snap
	job.DiffSummary = changes
	job.ManifestPreview = preview
	job.DriftScore = drift
	job.RiskLevel = risk
	job.Confidence = confidence
	job.UpdatedAtUtc = r.now().UTC()

	if autoApply && risk == RiskLow {
		r.mu.Unlock()
		if err := r.applyJob(job.ID); err != nil {
			r.fail(job.ID, err.Error())
		}
		return
	}
	job.Status = StatusAwaitingApproval
	r.mu.Unlock()

	r.logger.Info("Manifest refresh awaiting approval", map[string]interface{}{
		"operation":   "manifest_refresh",
		"service":     job.Service,
		"job_id":      job.ID,
		"drift_score": drift,
		"risk":        risk,
		"changes":     len(changes),
	})
}

// Approve writes the previewed revision and marks the job APPLIED. Only
// AWAITING_APPROVAL jobs can be approved.
func (r *Refresher) Approve(jobID string) (*Job, error) {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("job %q: %w", jobID, core.ErrJobNotFound)
	}
	if job.Status != StatusAwaitingApproval || job.ManifestPreview == nil {
		status := job.Status
		r.mu.Unlock()
		return nil, fmt.Errorf("job %q in status %s cannot be approved: %w", jobID, status, core.ErrInvalidTransition)
	}
	r.mu.Unlock()

	if err := r.applyJob(jobID); err != nil {
		return nil, err
	}
	return r.GetJob(jobID)
}

// applyJob persists the preview via the repository and transitions the job
// to APPLIED.
func (r *Refresher) applyJob(jobID string) error {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("job %q: %w", jobID, core.ErrJobNotFound)
	}
	service := job.Service
	preview := deepCopy(job.ManifestPreview)
	meta := RevisionMetadata{
		JobID:          job.ID,
		GeneratedAtUtc: r.now().UTC(),
		GeneratedBy:    "manifest-refresher",
		Confidence:     job.Confidence,
		Profile:        job.Profile,
		Notes:          job.Notes,
	}
	r.mu.Unlock()

	path, err := r.repo.SaveRevision(service, preview, meta)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if job, ok := r.jobs[jobID]; ok {
		job.Status = StatusApplied
		job.ManifestPath = path
		job.UpdatedAtUtc = r.now().UTC()
	}
	r.mu.Unlock()

	r.logger.Info("Manifest revision applied", map[string]interface{}{
		"operation": "manifest_apply",
		"service":   service,
		"job_id":    jobID,
		"path":      path,
	})
	return nil
}

// Rollback marks a pending job FAILED with a rollback marker. APPLIED and
// FAILED are terminal, so only AWAITING_APPROVAL jobs qualify. Restoring a
// prior revision on disk is deliberately out of scope.
func (r *Refresher) Rollback(jobID string) (*Job, error) {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("job %q: %w", jobID, core.ErrJobNotFound)
	}
	if job.Status != StatusAwaitingApproval {
		status := job.Status
		r.mu.Unlock()
		return nil, fmt.Errorf("job %q in status %s cannot be rolled back: %w", jobID, status, core.ErrInvalidTransition)
	}
	job.Status = StatusFailed
	job.Error = "rollback requested"
	job.UpdatedAtUtc = r.now().UTC()
	r.mu.Unlock()

	return r.GetJob(jobID)
}

func (r *Refresher) fail(jobID, message string) {
	r.mu.Lock()
	if job, ok := r.jobs[jobID]; ok {
		job.Status = StatusFailed
		job.Error = message
		job.UpdatedAtUtc = r.now().UTC()
	}
	r.mu.Unlock()

	r.logger.Error("Manifest refresh failed", map[string]interface{}{
		"operation": "manifest_refresh",
		"job_id":    jobID,
		"error":     message,
	})
}

func (r *Refresher) riskLevel(drift float64) string {
	switch {
	case drift >= r.config.DriftCriticalThreshold:
		return RiskHigh
	case drift >= r.config.DriftWarningThreshold:
		return RiskMedium
	default:
		return RiskLow
	}
}

// driftScore measures how far current telemetry sits from the manifest's
// assumptions, clamped to [0,1] and rounded to 2 decimals.
func driftScore(snap TelemetrySnapshot) float64 {
	drift := 0.4*math.Max(0, snap.CPUUtilization-0.6) +
		0.3*math.Max(0, snap.P95LatencyMillis/1000-0.5) +
		0.3*(snap.ErrorRate*2)
	if drift > 1 {
		drift = 1
	}
	return math.Round(drift*100) / 100
}

func (j *Job) clone() *Job {
	out := *j
	if j.Telemetry != nil {
		snap := *j.Telemetry
		out.Telemetry = &snap
	}
	out.DiffSummary = append([]Change(nil), j.DiffSummary...)
	if j.ManifestPreview != nil {
		out.ManifestPreview = deepCopy(j.ManifestPreview)
	}
	return &out
}
