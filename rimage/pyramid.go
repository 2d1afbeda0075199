package rimage

import (
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// MinPyramidLevelSize is the smallest side length a pyramid level may have.
const MinPyramidLevelSize = 16

// ImagePyramid holds an image and successive half resolution copies of it. Level 0 is the
// full resolution image.
type ImagePyramid struct {
	levels []*GrayImage
}

// NewImagePyramid builds a pyramid with up to numLevels levels. Levels stop being added once
// a side would fall below MinPyramidLevelSize.
func NewImagePyramid(img *GrayImage, numLevels int) (*ImagePyramid, error) {
	if img == nil {
		return nil, errors.New("cannot build a pyramid from a nil image")
	}
	if numLevels < 1 {
		return nil, errors.Errorf("pyramid needs at least one level, got %d", numLevels)
	}
	p := &ImagePyramid{levels: []*GrayImage{img}}
	for i := 1; i < numLevels; i++ {
		prev := p.levels[i-1]
		w, h := prev.Width()/2, prev.Height()/2
		if w < MinPyramidLevelSize || h < MinPyramidLevelSize {
			break
		}
		p.levels = append(p.levels, HalfSample(prev))
	}
	return p, nil
}

// HalfSample downsamples an image by two with a box filter.
func HalfSample(img *GrayImage) *GrayImage {
	w, h := img.Width()/2, img.Height()/2
	small := imaging.Resize(img.ToGray(), w, h, imaging.Box)
	return NewGrayImageFromImage(small)
}

// Level returns the image at the given level.
func (p *ImagePyramid) Level(i int) *GrayImage {
	return p.levels[i]
}

// NumLevels returns how many levels the pyramid holds.
func (p *ImagePyramid) NumLevels() int {
	return len(p.levels)
}

// MaxLevel returns the index of the coarsest level.
func (p *ImagePyramid) MaxLevel() int {
	return len(p.levels) - 1
}

// ScaleFactor returns how many level 0 pixels one pixel of the given level spans.
func ScaleFactor(level int) float64 {
	return float64(int(1) << level)
}
