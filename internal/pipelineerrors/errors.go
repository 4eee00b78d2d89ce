// Package pipelineerrors defines the closed error taxonomy shared by every
// pipeline stage and the HTTP response envelope. It generalizes the
// codedError/statusError/clientMessageError interface split used by the
// server's JSON helpers into a single concrete type carrying a stage name
// and a retryability flag.
package pipelineerrors

import "fmt"

// Code is a member of the closed taxonomy. New values must not be added
// without updating the retryability table below.
type Code string

const (
	TemplateDownloadFailed   Code = "TEMPLATE_DOWNLOAD_FAILED"
	TemplateChecksumMismatch Code = "TEMPLATE_CHECKSUM_MISMATCH"
	TemplateExtractError     Code = "TEMPLATE_EXTRACT_ERROR"
	TemplateInvalid          Code = "TEMPLATE_INVALID"
	ManifestLoadError        Code = "MANIFEST_LOAD_ERROR"
	ManifestInvalid          Code = "MANIFEST_INVALID"
	AssetNotFound            Code = "ASSET_NOT_FOUND"
	RenderFailed             Code = "RENDER_FAILED"
	StoreFailed              Code = "STORE_FAILED"
	InternalError            Code = "INTERNAL_ERROR"
)

var retryable = map[Code]bool{
	TemplateDownloadFailed:   true,
	TemplateChecksumMismatch: false,
	TemplateExtractError:     false,
	TemplateInvalid:          false,
	ManifestLoadError:        false,
	ManifestInvalid:          false,
	AssetNotFound:            false,
	RenderFailed:             false,
	StoreFailed:              true,
	InternalError:            false,
}

// Retryable reports whether a client may safely reissue a request that
// failed with this code.
func (c Code) Retryable() bool {
	return retryable[c]
}

// Stage identifies which pipeline step produced an error, drawn from the
// same closed set used in JobResult.timing.steps.
type Stage string

const (
	StageTemplateResolve Stage = "TEMPLATE_RESOLVE"
	StageManifestLoad    Stage = "MANIFEST_LOAD"
	StageRender          Stage = "RENDER"
	StageStore           Stage = "STORE"
)

// Error is the concrete error type raised by every pipeline stage. It
// carries enough structure for the orchestrator to build a Failure
// envelope without inspecting stage-specific error types.
type Error struct {
	Code    Code
	Stage   Stage
	Message string
	Detail  map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports the retry hint for this error's code.
func (e *Error) Retryable() bool {
	return e.Code.Retryable()
}

// New builds a pipeline error with an optional detail map.
func New(code Code, message string, detail map[string]string) *Error {
	return &Error{Code: code, Message: message, Detail: detail}
}

// Wrap builds a pipeline error around an underlying cause.
func Wrap(code Code, err error, detail map[string]string) *Error {
	msg := string(code)
	if err != nil {
		msg = err.Error()
	}
	return &Error{Code: code, Message: msg, Detail: detail, Err: err}
}

// WithStage returns a copy of e annotated with the stage it failed in. The
// orchestrator calls this when converting a stage-local error into the
// envelope so the original error value can stay stage-agnostic.
func (e *Error) WithStage(stage Stage) *Error {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Stage = stage
	return &clone
}

// AsPipelineError extracts a *Error from err, mapping anything else to
// INTERNAL_ERROR with a stable, non-leaky message. No stage error may
// escape unmapped.
func AsPipelineError(err error) *Error {
	if err == nil {
		return nil
	}
	if perr, ok := err.(*Error); ok {
		return perr
	}
	return &Error{Code: InternalError, Message: "internal error"}
}

// Note is a single append-only entry in the response envelope's notes
// channel. Notes are informational only; they never affect ok.
type Note struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Detail  map[string]string `json:"detail,omitempty"`
}

func NewNote(code, message string) Note {
	return Note{Code: code, Message: message}
}

func (n Note) String() string {
	return fmt.Sprintf("%s: %s", n.Code, n.Message)
}

// Well-known note codes emitted by the pipeline.
const (
	NoteTemplateCached     = "TEMPLATE_CACHED"
	NoteTemplateDownloaded = "TEMPLATE_DOWNLOADED"
	NotePreviewEqualsFinal = "PREVIEW_EQUALS_FINAL"
	NoteAssetNotFound      = "ASSET_NOT_FOUND"
)
