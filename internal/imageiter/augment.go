// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imageiter

import (
	"image"
	"image/color"
	"math"
	"math/rand/v2"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// fillColor of the pixels uncovered by rotation and shear.
var fillColor = color.NRGBA{R: 255, G: 255, B: 255, A: 255}

// prepare transforms a decoded image into one of exactly the configured height and width: affine
// augmentation (training only), resizing up if the image is too small, then cropping and mirroring.
func (d *Dataset) prepare(img image.Image, rng *rand.Rand) *image.NRGBA {
	train := d.opts.Train
	if train && (d.opts.Rotate > 0 || d.opts.MaxShearRatio > 0) {
		angle := (2*rng.Float64() - 1) * d.opts.Rotate
		shear := (2*rng.Float64() - 1) * d.opts.MaxShearRatio
		img = warpAffine(img, angle, shear)
	}

	bounds := img.Bounds()
	if bounds.Dx() < d.width || bounds.Dy() < d.height {
		scale := math.Max(float64(d.width)/float64(bounds.Dx()), float64(d.height)/float64(bounds.Dy()))
		newW := max(d.width, int(math.Ceil(float64(bounds.Dx())*scale)))
		newH := max(d.height, int(math.Ceil(float64(bounds.Dy())*scale)))
		img = imaging.Resize(img, newW, newH, imaging.Linear)
		bounds = img.Bounds()
	}

	var out *image.NRGBA
	if train && d.opts.RandCrop {
		x0 := bounds.Min.X + rng.IntN(bounds.Dx()-d.width+1)
		y0 := bounds.Min.Y + rng.IntN(bounds.Dy()-d.height+1)
		out = imaging.Crop(img, image.Rect(x0, y0, x0+d.width, y0+d.height))
	} else {
		out = imaging.CropCenter(img, d.width, d.height)
	}
	if train && d.opts.RandMirror && rng.IntN(2) == 1 {
		out = imaging.FlipH(out)
	}
	return out
}

// warpAffine rotates the image by angle degrees and shears it horizontally by shear around its
// center, keeping its size. It uses nearest neighbor sampling.
func warpAffine(img image.Image, angle, shear float64) *image.NRGBA {
	src := imaging.Clone(img)
	bounds := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(fillColor), image.Point{}, draw.Src)

	// M = R * S, with S = [[1, shear], [0, 1]], around the center c: dst = M*(src-c) + c.
	sin, cos := math.Sincos(angle * math.Pi / 180)
	m00, m01 := cos, cos*shear-sin
	m10, m11 := sin, sin*shear+cos
	cx, cy := float64(bounds.Dx())/2, float64(bounds.Dy())/2
	s2d := f64.Aff3{
		m00, m01, cx - m00*cx - m01*cy,
		m10, m11, cy - m10*cx - m11*cy,
	}
	draw.NearestNeighbor.Transform(dst, s2d, src, bounds, draw.Src, nil)
	return dst
}
