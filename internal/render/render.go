// Package render implements the deterministic 2D compositor: given a
// normalized manifest.RuntimeSpec and a decoded raw photograph, it
// produces the final RGBA canvas.
//
// Resize, rotate, and alpha-composite operations are built on
// github.com/disintegration/imaging; image/draw handles the final
// canvas compositing. golang.org/x/image registers decoders for asset
// formats beyond what the standard library ships, so a manifest can
// reference bmp/tiff source art without the resolver needing to know
// about it.
package render

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sort"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"templatepipe/internal/manifest"
	"templatepipe/internal/pipelineerrors"
)

type layer struct {
	kind    manifest.LayerKind
	z       int
	photo   manifest.PhotoSpec
	sticker manifest.StickerSpec
}

// Render composites the background, photo, and sticker layers onto an
// opaque canvas in z order. The filter choice (bilinear) is fixed so
// identical inputs always produce byte-identical outputs.
func Render(ctx context.Context, spec *manifest.RuntimeSpec, raw image.Image) (*image.RGBA, error) {
	canvas := image.NewRGBA(image.Rect(0, 0, spec.Output.Width, spec.Output.Height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.RGBA{A: 255}), image.Point{}, draw.Src)

	if err := compositeBackground(canvas, spec.Background.Path); err != nil {
		return nil, err
	}

	for _, l := range buildLayers(spec) {
		select {
		case <-ctx.Done():
			return nil, pipelineerrors.Wrap(pipelineerrors.RenderFailed, ctx.Err(), nil)
		default:
		}

		switch l.kind {
		case manifest.LayerPhoto:
			if err := compositePhoto(canvas, raw, l.photo); err != nil {
				return nil, err
			}
		case manifest.LayerSticker:
			if err := compositeSticker(canvas, l.sticker); err != nil {
				return nil, err
			}
		}
	}

	return canvas, nil
}

// buildLayers merges photos and stickers into one ordered list, sorted by
// z ascending with declaration order as the tiebreak (photos before
// stickers within an equal z, both in manifest order).
func buildLayers(spec *manifest.RuntimeSpec) []layer {
	layers := make([]layer, 0, len(spec.Photos)+len(spec.Stickers))
	for _, p := range spec.Photos {
		layers = append(layers, layer{kind: manifest.LayerPhoto, z: p.Z, photo: p})
	}
	for _, s := range spec.Stickers {
		layers = append(layers, layer{kind: manifest.LayerSticker, z: s.Z, sticker: s})
	}
	sort.SliceStable(layers, func(i, j int) bool { return layers[i].z < layers[j].z })
	return layers
}

func compositeBackground(canvas *image.RGBA, path string) error {
	if path == "" {
		return nil
	}
	bg, err := loadImage(path)
	if err != nil {
		return pipelineerrors.Wrap(pipelineerrors.RenderFailed, err, map[string]string{"asset": path})
	}
	// Background is composited at the origin as-is; a size mismatch vs
	// the output canvas is accepted, not an error. draw.Draw clips to
	// the intersection of bounds.
	draw.Draw(canvas, bg.Bounds(), bg, image.Point{}, draw.Over)
	return nil
}

func compositePhoto(canvas *image.RGBA, raw image.Image, p manifest.PhotoSpec) error {
	if raw == nil {
		return pipelineerrors.New(pipelineerrors.RenderFailed, "raw image is required", nil)
	}
	if p.W <= 0 || p.H <= 0 {
		return pipelineerrors.New(pipelineerrors.RenderFailed, "photo layer has non-positive dimensions", map[string]string{"layerId": p.ID})
	}

	var tile image.Image
	switch p.Fit {
	case "contain":
		fitted := imaging.Fit(raw, p.W, p.H, imaging.Linear)
		letterboxed := imaging.New(p.W, p.H, color.NRGBA{})
		offset := image.Pt((p.W-fitted.Bounds().Dx())/2, (p.H-fitted.Bounds().Dy())/2)
		tile = imaging.Paste(letterboxed, fitted, offset)
	default: // "cover"
		tile = imaging.Fill(raw, p.W, p.H, imaging.Center, imaging.Linear)
	}

	dstRect := image.Rect(p.X, p.Y, p.X+p.W, p.Y+p.H)
	draw.Draw(canvas, dstRect, tile, image.Point{}, draw.Over)
	return nil
}

func compositeSticker(canvas *image.RGBA, s manifest.StickerSpec) error {
	if s.W <= 0 || s.H <= 0 {
		return pipelineerrors.New(pipelineerrors.RenderFailed, "sticker layer has non-positive dimensions", map[string]string{"layerId": s.ID})
	}

	img, err := loadImage(s.Path)
	if err != nil {
		return pipelineerrors.Wrap(pipelineerrors.RenderFailed, err, map[string]string{"asset": s.Path})
	}

	resized := imaging.Resize(img, s.W, s.H, imaging.Linear)

	var tile *image.NRGBA
	if s.Rotate != 0 {
		// rotate=0 skips the rotation pass entirely so an
		// axis-aligned paste is not run through a lossy resample.
		tile = imaging.Rotate(resized, s.Rotate, color.NRGBA{})
	} else {
		tile = resized
	}

	if s.Opacity < 1.0 {
		tile = applyOpacity(tile, s.Opacity)
	}

	bounds := tile.Bounds()
	dstRect := image.Rect(s.X, s.Y, s.X+bounds.Dx(), s.Y+bounds.Dy())
	draw.Draw(canvas, dstRect, tile, bounds.Min, draw.Over)
	return nil
}

func applyOpacity(img *image.NRGBA, opacity float64) *image.NRGBA {
	bounds := img.Bounds()
	out := image.NewNRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := img.NRGBAAt(x, y)
			c.A = uint8(float64(c.A) * opacity)
			out.SetNRGBA(x, y, c)
		}
	}
	return out
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	return img, nil
}
