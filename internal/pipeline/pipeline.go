// Package pipeline implements the Pipeline Orchestrator (C5): it threads
// a single request through the Template Resolver, Manifest Loader,
// Render Engine, and Storage Adapter, recording per-stage timing and
// mapping every error into the closed taxonomy so no request path can
// produce a 5xx response.
package pipeline

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"time"

	"templatepipe/internal/manifest"
	"templatepipe/internal/observability/metrics"
	"templatepipe/internal/outputstore"
	"templatepipe/internal/pipelineerrors"
	"templatepipe/internal/render"
	"templatepipe/internal/resolver"
)

// Request is the sole input to Process, decoded from the POST
// /pipeline/v2/process JSON body.
type Request struct {
	TemplateCode   string
	VersionSemver  string
	DownloadURL    string
	ChecksumSHA256 string
	RawPath        string
}

// Ledger is the optional job-ledger backend (see internal/jobledger).
// Process calls Record best-effort; a failure is logged but never
// changes the response envelope.
type Ledger interface {
	Record(ctx context.Context, result JobResult) error
}

type TimingStep struct {
	Name string `json:"name"`
	Ms   int64  `json:"ms"`
}

type Timing struct {
	TotalMs int64        `json:"totalMs"`
	Steps   []TimingStep `json:"steps"`
}

type TemplateInfo struct {
	TemplateCode    string `json:"templateCode"`
	VersionSemver   string `json:"versionSemver"`
	ManifestVersion int    `json:"manifestVersion"`
}

type Outputs struct {
	PreviewURL string `json:"previewUrl"`
	FinalURL   string `json:"finalUrl"`
}

type ErrorInfo struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// JobResult is the response envelope: exactly one of Template or Error is
// set, matching Ok.
type JobResult struct {
	JobID    string                `json:"jobId"`
	Ok       bool                  `json:"ok"`
	Template *TemplateInfo         `json:"template,omitempty"`
	Outputs  *Outputs              `json:"outputs,omitempty"`
	Error    *ErrorInfo            `json:"error,omitempty"`
	Timing   Timing                `json:"timing"`
	Notes    []pipelineerrors.Note `json:"notes,omitempty"`
}

// Orchestrator wires the four core components plus observability.
type Orchestrator struct {
	Resolver *resolver.Resolver
	Store    *outputstore.Store
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
	Ledger   Ledger
}

func (o *Orchestrator) recorder() *metrics.Recorder {
	if o.Metrics != nil {
		return o.Metrics
	}
	return metrics.Default()
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Process runs a single request through resolve, manifest load, render,
// and store, timing each stage and mapping every failure into the closed
// error taxonomy.
func (o *Orchestrator) Process(ctx context.Context, req Request) JobResult {
	jobID := newJobID()
	start := time.Now()

	rec := o.recorder()
	rec.JobStarted()
	defer rec.JobFinished()

	log := o.logger().With("job_id", jobID, "template_code", req.TemplateCode, "version", req.VersionSemver)

	var steps []TimingStep
	var notes []pipelineerrors.Note

	fail := func(stage pipelineerrors.Stage, perr *pipelineerrors.Error) JobResult {
		staged := perr.WithStage(stage)
		rec.ObserveErrorCode(string(staged.Code))
		notes = append(notes, pipelineerrors.NewNote(string(staged.Code), fmt.Sprintf("stage %s failed", stage)))
		log.Error("pipeline stage failed", "stage", stage, "code", staged.Code, "retryable", staged.Retryable())
		return JobResult{
			JobID: jobID,
			Ok:    false,
			Error: &ErrorInfo{
				Code:      string(staged.Code),
				Message:   staged.Error(),
				Retryable: staged.Retryable(),
				Detail:    staged.Detail,
			},
			Timing: Timing{TotalMs: time.Since(start).Milliseconds(), Steps: steps},
			Notes:  notes,
		}
	}

	// Stage TEMPLATE_RESOLVE
	stageStart := time.Now()
	result, perr := o.Resolver.Resolve(ctx, req.TemplateCode, req.VersionSemver, req.DownloadURL, req.ChecksumSHA256)
	stageDuration := time.Since(stageStart)
	steps = append(steps, TimingStep{Name: string(pipelineerrors.StageTemplateResolve), Ms: stageDuration.Milliseconds()})
	rec.ObserveStage(string(pipelineerrors.StageTemplateResolve), stageOutcome(perr), stageDuration)
	if perr != nil {
		return fail(pipelineerrors.StageTemplateResolve, perr)
	}
	if result.Downloaded {
		notes = append(notes, pipelineerrors.NewNote(pipelineerrors.NoteTemplateDownloaded, "template downloaded and extracted"))
	} else {
		notes = append(notes, pipelineerrors.NewNote(pipelineerrors.NoteTemplateCached, "template served from cache"))
	}
	templateDir := result.Dir

	// Stage MANIFEST_LOAD
	stageStart = time.Now()
	spec, perr := loadRuntimeSpec(templateDir)
	stageDuration = time.Since(stageStart)
	steps = append(steps, TimingStep{Name: string(pipelineerrors.StageManifestLoad), Ms: stageDuration.Milliseconds()})
	rec.ObserveStage(string(pipelineerrors.StageManifestLoad), stageOutcome(perr), stageDuration)
	if perr != nil {
		return fail(pipelineerrors.StageManifestLoad, perr)
	}

	// Stage RENDER
	stageStart = time.Now()
	rendered, perr := renderFromPath(ctx, spec, req.RawPath)
	stageDuration = time.Since(stageStart)
	steps = append(steps, TimingStep{Name: string(pipelineerrors.StageRender), Ms: stageDuration.Milliseconds()})
	rec.ObserveStage(string(pipelineerrors.StageRender), stageOutcome(perr), stageDuration)
	if perr != nil {
		return fail(pipelineerrors.StageRender, perr)
	}

	// Stage STORE
	stageStart = time.Now()
	outputs, perr := o.storeOutputs(ctx, jobID, rendered, spec.Output.Format)
	stageDuration = time.Since(stageStart)
	steps = append(steps, TimingStep{Name: string(pipelineerrors.StageStore), Ms: stageDuration.Milliseconds()})
	rec.ObserveStage(string(pipelineerrors.StageStore), stageOutcome(perr), stageDuration)
	if perr != nil {
		return fail(pipelineerrors.StageStore, perr)
	}
	notes = append(notes, pipelineerrors.NewNote(pipelineerrors.NotePreviewEqualsFinal, "preview and final outputs are identical"))

	jobResult := JobResult{
		JobID: jobID,
		Ok:    true,
		Template: &TemplateInfo{
			TemplateCode:    spec.TemplateCode,
			VersionSemver:   spec.VersionSemver,
			ManifestVersion: spec.ManifestVersion,
		},
		Outputs: &outputs,
		Timing:  Timing{TotalMs: time.Since(start).Milliseconds(), Steps: steps},
		Notes:   notes,
	}

	if o.Ledger != nil {
		if err := o.Ledger.Record(ctx, jobResult); err != nil {
			log.Warn("job ledger record failed", "error", err)
		}
	}

	log.Info("pipeline completed", "ok", true, "total_ms", jobResult.Timing.TotalMs)
	return jobResult
}

func stageOutcome(perr *pipelineerrors.Error) string {
	if perr != nil {
		return "error"
	}
	return "ok"
}

func loadRuntimeSpec(templateDir string) (*manifest.RuntimeSpec, *pipelineerrors.Error) {
	doc, perr := manifest.Load(templateDir)
	if perr != nil {
		return nil, perr
	}
	if perr := manifest.Validate(doc); perr != nil {
		return nil, perr
	}
	spec := manifest.ToRuntimeSpec(templateDir, doc)
	if perr := manifest.ValidateAssets(spec); perr != nil {
		return nil, perr
	}
	return spec, nil
}

func renderFromPath(ctx context.Context, spec *manifest.RuntimeSpec, rawPath string) (*image.RGBA, *pipelineerrors.Error) {
	f, err := os.Open(rawPath)
	if err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.RenderFailed, err, map[string]string{"rawPath": rawPath})
	}
	defer func() { _ = f.Close() }()

	raw, _, err := image.Decode(f)
	if err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.RenderFailed, err, map[string]string{"rawPath": rawPath})
	}

	rendered, err := render.Render(ctx, spec, raw)
	if err != nil {
		return nil, pipelineerrors.AsPipelineError(err)
	}
	return rendered, nil
}

func (o *Orchestrator) storeOutputs(ctx context.Context, jobID string, img *image.RGBA, format string) (Outputs, *pipelineerrors.Error) {
	var buf bytes.Buffer
	if err := encodeImage(&buf, img, format); err != nil {
		return Outputs{}, pipelineerrors.Wrap(pipelineerrors.StoreFailed, err, nil)
	}
	bodyBytes := buf.Bytes()
	contentType := "image/png"

	previewURL, perr := o.Store.Put(ctx, jobID, outputstore.KindPreview, bodyBytes, contentType)
	if perr != nil {
		return Outputs{}, perr
	}
	finalURL, perr := o.Store.Put(ctx, jobID, outputstore.KindFinal, bodyBytes, contentType)
	if perr != nil {
		return Outputs{}, perr
	}
	return Outputs{PreviewURL: previewURL, FinalURL: finalURL}, nil
}

// NewJobID mints a job identifier of the form job_{unixMillis}_{8hex},
// exported so callers that must build a JobResult before invoking Process
// (e.g. a request-decode failure) use the same id format.
func NewJobID() string {
	return newJobID()
}

func newJobID() string {
	var buf [4]byte
	suffix := "00000000"
	if _, err := rand.Read(buf[:]); err == nil {
		suffix = hex.EncodeToString(buf[:])
	}
	return fmt.Sprintf("job_%d_%s", time.Now().UnixMilli(), suffix)
}
