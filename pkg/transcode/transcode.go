// Package transcode reshapes a stored JPEG frame for one downstream request:
// decode, center-crop to the requested aspect ratio, resize and re-encode.
//
// Every function here is pure. Frames are only read, so transcoding can run
// outside the goroutine that owns the frame buffers.
package transcode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

var (
	ErrDecode           = errors.New("transcode: cannot decode frame")
	ErrInvalidParameter = errors.New("transcode: invalid parameter")
)

const (
	MinQuality = 1
	MaxQuality = 100

	// MaxDimension bounds either side of an output frame.
	MaxDimension = 8192
)

// Size is a requested output geometry. A zero dimension means "derive it from
// the source aspect ratio".
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Transcode decodes frame and re-encodes it as JPEG at quality. When size is
// nil the native geometry is kept, otherwise the image is center-cropped to the
// target aspect ratio and resized to exactly the target size.
//
// A nil frame is passed through as nil without error.
func Transcode(frame []byte, size *Size, quality int) ([]byte, error) {
	if frame == nil {
		return nil, nil
	}

	if quality < MinQuality || quality > MaxQuality {
		return nil, fmt.Errorf("%w: quality %d outside [%d, %d]", ErrInvalidParameter, quality, MinQuality, MaxQuality)
	}

	src, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	out := src
	if size != nil {
		bounds := src.Bounds()

		target, err := TargetSize(bounds.Dx(), bounds.Dy(), *size)
		if err != nil {
			return nil, err
		}

		out = resize(src, CropRect(bounds.Dx(), bounds.Dy(), target).Add(bounds.Min), target)
	}

	var buf bytes.Buffer
	buf.Grow(len(frame))
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("transcode: encode: %w", err)
	}

	return buf.Bytes(), nil
}

// TargetSize fills in a missing (zero) dimension of want so that the result
// keeps the srcW:srcH aspect ratio. Integer division truncates. Neither the
// requested nor the derived side may exceed MaxDimension.
func TargetSize(srcW, srcH int, want Size) (Size, error) {
	if want.Width < 0 || want.Height < 0 {
		return Size{}, fmt.Errorf("%w: negative size %s", ErrInvalidParameter, want)
	}

	if want.Width > MaxDimension || want.Height > MaxDimension {
		return Size{}, fmt.Errorf("%w: size %s exceeds %d", ErrInvalidParameter, want, MaxDimension)
	}

	if want.Width == 0 && want.Height == 0 {
		return Size{}, fmt.Errorf("%w: both dimensions missing", ErrInvalidParameter)
	}

	if srcW <= 0 || srcH <= 0 {
		return Size{}, fmt.Errorf("%w: empty source %dx%d", ErrInvalidParameter, srcW, srcH)
	}

	switch {
	case want.Width == 0:
		want.Width = srcW * want.Height / srcH
	case want.Height == 0:
		want.Height = srcH * want.Width / srcW
	}

	if want.Width == 0 || want.Height == 0 {
		return Size{}, fmt.Errorf("%w: derived size %s is empty", ErrInvalidParameter, want)
	}

	if want.Width > MaxDimension || want.Height > MaxDimension {
		return Size{}, fmt.Errorf("%w: derived size %s exceeds %d", ErrInvalidParameter, want, MaxDimension)
	}

	return want, nil
}

// CropRect is the centered region of a srcW x srcH image whose aspect ratio
// matches target. The rectangle is relative to (0, 0).
func CropRect(srcW, srcH int, target Size) image.Rectangle {
	full := image.Rect(0, 0, srcW, srcH)
	if target.Width <= 0 || target.Height <= 0 || srcW <= 0 || srcH <= 0 {
		return full
	}

	imageRatio := float64(srcW) / float64(srcH)
	targetRatio := float64(target.Width) / float64(target.Height)

	switch {
	case imageRatio > targetRatio:
		offset := int((float64(srcW) - targetRatio*float64(srcH)) / 2)
		return image.Rect(offset, 0, srcW-offset, srcH)
	case imageRatio < targetRatio:
		offset := int((float64(srcH) - float64(srcW)/targetRatio) / 2)
		return image.Rect(0, offset, srcW, srcH-offset)
	default:
		return full
	}
}

func resize(src image.Image, region image.Rectangle, target Size) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, target.Width, target.Height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, region, draw.Src, nil)

	return dst
}
