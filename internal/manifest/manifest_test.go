package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"templatepipe/internal/pipelineerrors"
)

const validManifest = `{
  "manifestVersion": 1,
  "templateCode": "tpl_001",
  "versionSemver": "0.1.0",
  "output": {"width": 1080, "height": 1920},
  "compose": {
    "background": "bg.png",
    "photos": [{"id": "p1", "source": "raw", "x": 0, "y": 0, "w": 1080, "h": 1920}],
    "stickers": [{"id": "s1", "src": "sticker.png", "x": 10, "y": 10, "w": 100, "h": 100}]
  }
}`

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func TestLoadAndValidateHappyPath(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, validManifest)

	doc, perr := Load(dir)
	if perr != nil {
		t.Fatalf("Load: %v", perr)
	}
	if perr := Validate(doc); perr != nil {
		t.Fatalf("Validate: %v", perr)
	}

	spec := ToRuntimeSpec(dir, doc)
	if spec.Output.Format != "png" {
		t.Fatalf("expected default format png, got %s", spec.Output.Format)
	}
	if spec.Background.Path != filepath.Join(dir, "assets", "bg.png") {
		t.Fatalf("unexpected background path: %s", spec.Background.Path)
	}
	if len(spec.Photos) != 1 || spec.Photos[0].Fit != "cover" {
		t.Fatalf("expected default fit cover, got %+v", spec.Photos)
	}
	if len(spec.Stickers) != 1 || spec.Stickers[0].Opacity != 1.0 {
		t.Fatalf("expected default opacity 1.0, got %+v", spec.Stickers)
	}
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	_, perr := Load(dir)
	if perr == nil || perr.Code != pipelineerrors.ManifestLoadError {
		t.Fatalf("expected MANIFEST_LOAD_ERROR, got %v", perr)
	}
}

func TestLoadMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{not json`)
	_, perr := Load(dir)
	if perr == nil || perr.Code != pipelineerrors.ManifestLoadError {
		t.Fatalf("expected MANIFEST_LOAD_ERROR, got %v", perr)
	}
}

func TestValidateRejectsWrongVersion(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{"manifestVersion": 2}`)
	doc, _ := Load(dir)
	perr := Validate(doc)
	if perr == nil || perr.Code != pipelineerrors.ManifestInvalid {
		t.Fatalf("expected MANIFEST_INVALID, got %v", perr)
	}
}

func TestValidateRequiresNonEmptyPhotos(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{
      "manifestVersion": 1, "templateCode": "t", "versionSemver": "0.1.0",
      "output": {"width": 10, "height": 10},
      "compose": {"background": "bg.png", "photos": []}
    }`)
	doc, _ := Load(dir)
	perr := Validate(doc)
	if perr == nil || perr.Code != pipelineerrors.ManifestInvalid {
		t.Fatalf("expected MANIFEST_INVALID for empty photos, got %v", perr)
	}
}

func TestStickerPathRule(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{
      "manifestVersion": 1, "templateCode": "t", "versionSemver": "0.1.0",
      "output": {"width": 10, "height": 10},
      "compose": {
        "background": "bg.png",
        "photos": [{"id":"p1","source":"raw","x":0,"y":0,"w":10,"h":10}],
        "stickers": [
          {"id":"s1","src":"assets/abs.png","x":0,"y":0,"w":5,"h":5},
          {"id":"s2","src":"rel.png","x":0,"y":0,"w":5,"h":5}
        ]
      }
    }`)
	doc, _ := Load(dir)
	if perr := Validate(doc); perr != nil {
		t.Fatalf("Validate: %v", perr)
	}
	spec := ToRuntimeSpec(dir, doc)
	if spec.Stickers[0].Path != filepath.Join(dir, "assets/abs.png") {
		t.Fatalf("expected assets/-prefixed src resolved relative to templateDir, got %s", spec.Stickers[0].Path)
	}
	if spec.Stickers[1].Path != filepath.Join(dir, "assets", "rel.png") {
		t.Fatalf("expected non-prefixed src resolved relative to basePath, got %s", spec.Stickers[1].Path)
	}
}

func TestValidateAssetsDetectsMissingBackground(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, validManifest)
	doc, _ := Load(dir)
	_ = Validate(doc)
	spec := ToRuntimeSpec(dir, doc)

	perr := ValidateAssets(spec)
	if perr == nil || perr.Code != pipelineerrors.AssetNotFound {
		t.Fatalf("expected ASSET_NOT_FOUND, got %v", perr)
	}
	if perr.Detail["path"] != spec.Background.Path {
		t.Fatalf("expected detail.path to carry the absolute path attempted")
	}
}

func TestValidateAssetsPassesWhenFilesExist(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, validManifest)
	if err := os.MkdirAll(filepath.Join(dir, "assets"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "assets", "bg.png"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "assets", "sticker.png"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	doc, _ := Load(dir)
	_ = Validate(doc)
	spec := ToRuntimeSpec(dir, doc)
	if perr := ValidateAssets(spec); perr != nil {
		t.Fatalf("unexpected error: %v", perr)
	}
}

func TestValidateAcceptsDuplicateIDsCaseInsensitive(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{
      "manifestVersion": 1, "templateCode": "t", "versionSemver": "0.1.0",
      "output": {"width": 10, "height": 10},
      "compose": {
        "background": "bg.png",
        "photos": [
          {"id":"Layer1","source":"raw","x":0,"y":0,"w":10,"h":10},
          {"id":"layer1","source":"raw","x":0,"y":0,"w":10,"h":10}
        ]
      }
    }`)
	doc, _ := Load(dir)
	perr := Validate(doc)
	if perr != nil {
		t.Fatalf("expected manifest with case-collision ids to be valid: %v", perr)
	}
}
