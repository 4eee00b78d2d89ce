package pipeline

import (
	"image"
	"image/png"
	"io"
)

// encodeImage writes img to w. PNG is the only output format produced
// today; the format field stays on the signature so adding jpeg/webp
// output later does not ripple through the store path.
func encodeImage(w io.Writer, img *image.RGBA, format string) error {
	return png.Encode(w, img)
}
