// Package imageproc re-encodes images to fit a byte budget.
package imageproc

import (
	"bytes"
	"image"
	"image/color"
	"log/slog"

	"github.com/disintegration/imaging"
)

const (
	DefaultQuality = 85

	qualityStep  = 10
	qualityFloor = 10
	scaleRatio   = 0.8
	scaleQuality = 60
	minDimension = 100
	finalQuality = 50
)

// Compress returns a JPEG no larger than maxKB kilobytes when that is
// reachable. Quality is lowered in steps of 10 while it stays above 10,
// then the image is downscaled by 0.8 per step at quality 60 until either
// side would drop under 100px. If nothing fits, the full-size image is
// encoded once at quality 50 whatever the size. Input that cannot be
// decoded is returned unchanged.
func Compress(data []byte, maxKB, quality int) []byte {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		slog.Warn("image decode failed, keeping original", slog.Any("error", err))
		return data
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	budget := maxKB * 1024

	flat := flatten(img)

	for q := quality; q > qualityFloor; q -= qualityStep {
		out, err := encode(flat, q)
		if err != nil {
			return data
		}
		if len(out) <= budget {
			return out
		}
	}

	b := flat.Bounds()
	w, h := b.Dx(), b.Dy()
	for {
		w = int(float64(w) * scaleRatio)
		h = int(float64(h) * scaleRatio)
		if w < minDimension || h < minDimension {
			break
		}
		out, err := encode(imaging.Resize(flat, w, h, imaging.Lanczos), scaleQuality)
		if err != nil {
			return data
		}
		if len(out) <= budget {
			return out
		}
	}

	out, err := encode(flat, finalQuality)
	if err != nil {
		return data
	}
	return out
}

// flatten drops alpha by compositing onto white.
func flatten(img image.Image) *image.NRGBA {
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

func encode(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
