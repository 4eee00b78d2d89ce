// Package manifest parses and validates template manifest.json documents,
// lifting them into an absolute-path RuntimeSpec and eagerly verifying
// that every referenced asset exists on disk.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"templatepipe/internal/pipelineerrors"
)

const (
	defaultBasePath = "assets"
	defaultFormat   = "png"
	defaultFit      = "cover"
)

// Doc is the strict-schema parse of manifest.json. Optional fields are
// pointers so defaults can be told apart from explicit zero values.
type Doc struct {
	ManifestVersion *int        `json:"manifestVersion"`
	TemplateCode    *string     `json:"templateCode"`
	VersionSemver   *string     `json:"versionSemver"`
	Output          *outputDoc  `json:"output"`
	Assets          *assetsDoc  `json:"assets"`
	Compose         *composeDoc `json:"compose"`
}

type outputDoc struct {
	Width  *int    `json:"width"`
	Height *int    `json:"height"`
	Format *string `json:"format"`
}

type assetsDoc struct {
	BasePath *string `json:"basePath"`
}

type composeDoc struct {
	Background *string      `json:"background"`
	Photos     []photoDoc   `json:"photos"`
	Stickers   []stickerDoc `json:"stickers"`
}

type photoDoc struct {
	ID     *string `json:"id"`
	Source *string `json:"source"`
	X      *int    `json:"x"`
	Y      *int    `json:"y"`
	W      *int    `json:"w"`
	H      *int    `json:"h"`
	Fit    *string `json:"fit"`
	Z      *int    `json:"z"`
}

type stickerDoc struct {
	ID      *string  `json:"id"`
	Src     *string  `json:"src"`
	X       *int     `json:"x"`
	Y       *int     `json:"y"`
	W       *int     `json:"w"`
	H       *int     `json:"h"`
	Rotate  *float64 `json:"rotate"`
	Opacity *float64 `json:"opacity"`
	Z       *int     `json:"z"`
}

// Load reads {templateDir}/manifest.json as UTF-8 JSON.
func Load(templateDir string) (*Doc, *pipelineerrors.Error) {
	path := filepath.Join(templateDir, "manifest.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.ManifestLoadError, err, map[string]string{"path": path})
	}

	var doc Doc
	decoder := json.NewDecoder(strings.NewReader(string(raw)))
	if err := decoder.Decode(&doc); err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.ManifestLoadError, err, map[string]string{"path": path})
	}
	return &doc, nil
}

// invalid builds a MANIFEST_INVALID error naming the offending field.
func invalid(field, reason string) *pipelineerrors.Error {
	return pipelineerrors.New(pipelineerrors.ManifestInvalid, fmt.Sprintf("%s: %s", field, reason), map[string]string{"field": field})
}

// Validate checks structural validity, halting on the first violation.
func Validate(doc *Doc) *pipelineerrors.Error {
	if doc == nil {
		return invalid("manifest", "document is empty")
	}
	if doc.ManifestVersion == nil || *doc.ManifestVersion != 1 {
		return invalid("manifestVersion", "must be 1")
	}
	if doc.TemplateCode == nil || strings.TrimSpace(*doc.TemplateCode) == "" {
		return invalid("templateCode", "must be a non-empty string")
	}
	if doc.VersionSemver == nil || strings.TrimSpace(*doc.VersionSemver) == "" {
		return invalid("versionSemver", "must be a non-empty string")
	}
	if doc.Output == nil || doc.Output.Width == nil || *doc.Output.Width <= 0 {
		return invalid("output.width", "must be an integer > 0")
	}
	if doc.Output.Height == nil || *doc.Output.Height <= 0 {
		return invalid("output.height", "must be an integer > 0")
	}
	if doc.Compose == nil || doc.Compose.Background == nil || strings.TrimSpace(*doc.Compose.Background) == "" {
		return invalid("compose.background", "must be a non-empty string")
	}
	if len(doc.Compose.Photos) < 1 {
		return invalid("compose.photos", "must contain at least one entry")
	}

	for i, p := range doc.Compose.Photos {
		field := fmt.Sprintf("compose.photos[%d]", i)
		if p.ID == nil || strings.TrimSpace(*p.ID) == "" {
			return invalid(field+".id", "must be a non-empty string")
		}
		if p.Source == nil || strings.TrimSpace(*p.Source) == "" {
			return invalid(field+".source", "must be a non-empty string")
		}
		if p.X == nil || p.Y == nil {
			return invalid(field, "x and y must be integers")
		}
		if p.W == nil || *p.W <= 0 {
			return invalid(field+".w", "must be an integer > 0")
		}
		if p.H == nil || *p.H <= 0 {
			return invalid(field+".h", "must be an integer > 0")
		}
		if p.Fit != nil && *p.Fit != "cover" && *p.Fit != "contain" {
			return invalid(field+".fit", "must be \"cover\" or \"contain\"")
		}
	}

	for i, s := range doc.Compose.Stickers {
		field := fmt.Sprintf("compose.stickers[%d]", i)
		if s.ID == nil || strings.TrimSpace(*s.ID) == "" {
			return invalid(field+".id", "must be a non-empty string")
		}
		if s.Src == nil || strings.TrimSpace(*s.Src) == "" {
			return invalid(field+".src", "must be a non-empty string")
		}
		if s.X == nil || s.Y == nil {
			return invalid(field, "x and y must be integers")
		}
		if s.W == nil || *s.W <= 0 {
			return invalid(field+".w", "must be an integer > 0")
		}
		if s.H == nil || *s.H <= 0 {
			return invalid(field+".h", "must be an integer > 0")
		}
		if s.Opacity != nil && (*s.Opacity < 0 || *s.Opacity > 1) {
			return invalid(field+".opacity", "must be in [0,1]")
		}
	}

	return nil
}

// RuntimeSpec is the normalized manifest: all paths absolute, defaults
// applied.
type RuntimeSpec struct {
	ManifestVersion int
	TemplateCode    string
	VersionSemver   string
	Output          OutputSpec
	Background      BackgroundSpec
	Photos          []PhotoSpec
	Stickers        []StickerSpec
}

type OutputSpec struct {
	Width  int
	Height int
	Format string
}

type BackgroundSpec struct {
	Path string
}

// LayerKind tags a layer's dynamic type for the render loop's dispatch.
type LayerKind string

const (
	LayerPhoto   LayerKind = "photo"
	LayerSticker LayerKind = "sticker"
)

type PhotoSpec struct {
	ID     string
	Source string
	X, Y   int
	W, H   int
	Fit    string
	Z      int
}

type StickerSpec struct {
	ID      string
	Path    string
	X, Y    int
	W, H    int
	Rotate  float64
	Opacity float64
	Z       int
}

// ToRuntimeSpec applies defaults and resolves absolute paths. Validate
// must have succeeded first.
func ToRuntimeSpec(templateDir string, doc *Doc) *RuntimeSpec {
	basePath := defaultBasePath
	if doc.Assets != nil && doc.Assets.BasePath != nil && strings.TrimSpace(*doc.Assets.BasePath) != "" {
		basePath = *doc.Assets.BasePath
	}
	format := defaultFormat
	if doc.Output.Format != nil && strings.TrimSpace(*doc.Output.Format) != "" {
		format = *doc.Output.Format
	}

	spec := &RuntimeSpec{
		ManifestVersion: *doc.ManifestVersion,
		TemplateCode:    *doc.TemplateCode,
		VersionSemver:   *doc.VersionSemver,
		Output: OutputSpec{
			Width:  *doc.Output.Width,
			Height: *doc.Output.Height,
			Format: format,
		},
		Background: BackgroundSpec{
			Path: filepath.Join(templateDir, basePath, *doc.Compose.Background),
		},
	}

	for _, p := range doc.Compose.Photos {
		fit := defaultFit
		if p.Fit != nil {
			fit = *p.Fit
		}
		z := 0
		if p.Z != nil {
			z = *p.Z
		}
		spec.Photos = append(spec.Photos, PhotoSpec{
			ID:     *p.ID,
			Source: *p.Source,
			X:      *p.X,
			Y:      *p.Y,
			W:      *p.W,
			H:      *p.H,
			Fit:    fit,
			Z:      z,
		})
	}

	spec.Stickers = make([]StickerSpec, 0, len(doc.Compose.Stickers))
	for _, s := range doc.Compose.Stickers {
		rotate := 0.0
		if s.Rotate != nil {
			rotate = *s.Rotate
		}
		opacity := 1.0
		if s.Opacity != nil {
			opacity = *s.Opacity
		}
		z := 0
		if s.Z != nil {
			z = *s.Z
		}
		spec.Stickers = append(spec.Stickers, StickerSpec{
			ID:      *s.ID,
			Path:    stickerPath(templateDir, basePath, *s.Src),
			X:       *s.X,
			Y:       *s.Y,
			W:       *s.W,
			H:       *s.H,
			Rotate:  rotate,
			Opacity: opacity,
			Z:       z,
		})
	}

	return spec
}

// stickerPath resolves a sticker src: an "assets/" prefixed src resolves
// relative to templateDir directly, otherwise relative to
// templateDir/basePath.
func stickerPath(templateDir, basePath, src string) string {
	if strings.HasPrefix(src, "assets/") {
		return filepath.Join(templateDir, src)
	}
	return filepath.Join(templateDir, basePath, src)
}

// ValidateAssets is the early-fail gate: every referenced file must exist
// on disk.
func ValidateAssets(spec *RuntimeSpec) *pipelineerrors.Error {
	if _, err := os.Stat(spec.Background.Path); err != nil {
		return assetNotFound(spec.Background.Path, "")
	}
	for _, s := range spec.Stickers {
		if _, err := os.Stat(s.Path); err != nil {
			return assetNotFound(s.Path, s.ID)
		}
	}
	return nil
}

func assetNotFound(path, stickerID string) *pipelineerrors.Error {
	detail := map[string]string{"path": path}
	if stickerID != "" {
		detail["stickerId"] = stickerID
	}
	return pipelineerrors.New(pipelineerrors.AssetNotFound, "referenced asset does not exist: "+path, detail)
}
