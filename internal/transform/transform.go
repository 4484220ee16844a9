// Package transform resizes images onto a fixed canvas and re-encodes them
// in a format chosen from the source format.
package transform

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strings"

	// Decoders beyond the ones imaging registers.
	_ "golang.org/x/image/webp"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/ericpauley/go-quantize/quantize"

	apperr "github.com/listingbox/listingbox/internal/errors"
)

// Quality used for the lossy encoders.
const Quality = 72

// maxPaletteSize is the PNG palette size.
const maxPaletteSize = 256

// Fit is the resize strategy.
type Fit int

const (
	// FitCover scales the image to cover the canvas and crops the overflow.
	// The output is never letterboxed or stretched.
	FitCover Fit = iota
)

// Geometry is the output canvas.
type Geometry struct {
	Width  int
	Height int
	Fit    Fit
	// Anchor selects which part of the image survives the crop.
	Anchor imaging.Anchor
}

// TargetGeometry is the canvas every compressed copy is produced on.
var TargetGeometry = Geometry{Width: 1800, Height: 1200, Fit: FitCover, Anchor: imaging.Center}

// Format is an output image format.
type Format string

// Output formats.
const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatWEBP Format = "webp"
)

// MIME returns the media type of the format.
func (f Format) MIME() string {
	return "image/" + string(f)
}

// Result is an encoded image.
type Result struct {
	Data   []byte
	Format Format
	// Source is the detected format of the input.
	Source string
}

// Transform decodes data, applies any EXIF orientation, fits the image onto
// g and encodes it. PNG sources stay PNG with a reduced palette, WEBP
// sources stay WEBP, everything else becomes JPEG. Failures are returned as
// *errors.TransformError.
func Transform(data []byte, g Geometry) (Result, error) {
	if g.Width <= 0 || g.Height <= 0 {
		return Result{}, &apperr.TransformError{Op: "resize", Err: fmt.Errorf("invalid geometry %dx%d", g.Width, g.Height)}
	}
	if g.Fit != FitCover {
		return Result{}, &apperr.TransformError{Op: "resize", Err: fmt.Errorf("unsupported fit %d", g.Fit)}
	}

	_, source, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Result{}, &apperr.TransformError{Op: "detect", Err: err}
	}
	source = strings.ToLower(source)

	img, err := decode(data)
	if err != nil {
		return Result{}, &apperr.TransformError{Op: "decode", Err: err}
	}

	fitted := imaging.Fill(img, g.Width, g.Height, g.Anchor, imaging.Lanczos)

	var (
		buf    bytes.Buffer
		format Format
	)
	switch source {
	case "png":
		format, err = FormatPNG, encodePNG(&buf, fitted)
	case "webp":
		format, err = FormatWEBP, webp.Encode(&buf, fitted, &webp.Options{Quality: Quality})
	default:
		format, err = FormatJPEG, encodeJPEG(&buf, fitted)
	}
	if err != nil {
		return Result{}, &apperr.TransformError{Op: "encode", Err: err}
	}
	return Result{Data: buf.Bytes(), Format: format, Source: source}, nil
}

// decode decodes an image with its EXIF orientation applied.
func decode(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, errors.New("image has no pixels")
	}
	return img, nil
}

// encodePNG writes img as a palette PNG. The palette is built by median
// cut; a transparent entry is added when the image has any transparency.
func encodePNG(buf *bytes.Buffer, img *image.NRGBA) error {
	q := quantize.MedianCutQuantizer{
		Aggregation:    quantize.Mean,
		AddTransparent: !img.Opaque(),
	}
	palette := q.Quantize(make(color.Palette, 0, maxPaletteSize), img)

	paletted := image.NewPaletted(img.Bounds(), palette)
	draw.FloydSteinberg.Draw(paletted, img.Bounds(), img, img.Bounds().Min)

	enc := png.Encoder{CompressionLevel: png.BestCompression}
	return enc.Encode(buf, paletted)
}

// encodeJPEG flattens img onto white and writes it as JPEG.
func encodeJPEG(buf *bytes.Buffer, img *image.NRGBA) error {
	if !img.Opaque() {
		bg := imaging.New(img.Bounds().Dx(), img.Bounds().Dy(), color.White)
		img = imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
	}
	return imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(Quality))
}
