// Package tracking serves the newsletter open-tracking pixel and records a
// view for every fetch.
package tracking

import (
	"bytes"
	"image"
	"image/png"
)

// pixel is a 1x1 fully transparent PNG, encoded once.
var pixel = mustEncodePixel()

func mustEncodePixel() []byte {
	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic("tracking: encode pixel: " + err.Error())
	}
	return buf.Bytes()
}
