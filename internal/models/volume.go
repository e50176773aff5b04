package models

import (
	"fmt"
)

// Volume represents a dense 3D array of intensities (CT Hounsfield units,
// dose values or mask labels).
type Volume struct {
	// Data is the 3D volume data as a 1D array with x varying fastest
	Data []float64

	// Width is the size of the volume along x in voxels
	Width int

	// Height is the size of the volume along y in voxels
	Height int

	// Depth is the size of the volume along z in voxels
	Depth int

	// Spacing is the physical size of each voxel in mm
	Spacing struct {
		X, Y, Z float64
	}
}

// NewVolume allocates a zero-filled volume with unit spacing.
func NewVolume(width, height, depth int) *Volume {
	v := &Volume{
		Data:   make([]float64, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
	}
	v.Spacing.X, v.Spacing.Y, v.Spacing.Z = 1, 1, 1
	return v
}

// FromData wraps data as a volume of the given shape.
func FromData(data []float64, width, height, depth int) (*Volume, error) {
	if width <= 0 || height <= 0 || depth <= 0 {
		return nil, fmt.Errorf("invalid volume shape %dx%dx%d", width, height, depth)
	}
	if len(data) != width*height*depth {
		return nil, fmt.Errorf("data length %d does not match shape %dx%dx%d", len(data), width, height, depth)
	}
	v := NewVolume(0, 0, 0)
	v.Data = data
	v.Width, v.Height, v.Depth = width, height, depth
	return v, nil
}

// Len returns the number of voxels.
func (v *Volume) Len() int {
	return len(v.Data)
}

// Shape returns the volume dimensions as {width, height, depth}.
func (v *Volume) Shape() [3]int {
	return [3]int{v.Width, v.Height, v.Depth}
}

// Index returns the flat index of voxel (x, y, z).
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// At returns the value of voxel (x, y, z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set assigns the value of voxel (x, y, z).
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// SameShape reports whether o has the same dimensions as v.
func (v *Volume) SameShape(o *Volume) bool {
	return v.Width == o.Width && v.Height == o.Height && v.Depth == o.Depth
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	c := *v
	c.Data = make([]float64, len(v.Data))
	copy(c.Data, v.Data)
	return &c
}

// Clip returns a copy of the volume with every value limited to [lo, hi].
func (v *Volume) Clip(lo, hi float64) *Volume {
	c := v.Clone()
	for i, value := range c.Data {
		switch {
		case value < lo:
			c.Data[i] = lo
		case value > hi:
			c.Data[i] = hi
		}
	}
	return c
}

// ExtractRegion copies a 3D subregion of the volume.
func (v *Volume) ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ int) (*Volume, error) {
	if startX < 0 || startY < 0 || startZ < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}

	if sizeX <= 0 || sizeY <= 0 || sizeZ <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}

	if startX+sizeX > v.Width || startY+sizeY > v.Height || startZ+sizeZ > v.Depth {
		return nil, fmt.Errorf("region extends beyond volume boundaries")
	}

	region := NewVolume(sizeX, sizeY, sizeZ)
	region.Spacing = v.Spacing

	for z := 0; z < sizeZ; z++ {
		for y := 0; y < sizeY; y++ {
			srcIdx := v.Index(startX, startY+y, startZ+z)
			dstIdx := region.Index(0, y, z)
			copy(region.Data[dstIdx:dstIdx+sizeX], v.Data[srcIdx:srcIdx+sizeX])
		}
	}

	return region, nil
}

// Crop trims pad voxels from every face of the volume.
func (v *Volume) Crop(pad int) (*Volume, error) {
	return v.ExtractRegion(pad, pad, pad, v.Width-2*pad, v.Height-2*pad, v.Depth-2*pad)
}

// Binarize maps every positive value to 1 and everything else to 0.
// Binarizing an already binary mask leaves it unchanged.
func Binarize(mask *Volume) *Volume {
	b := mask.Clone()
	for i, value := range b.Data {
		if value > 0 {
			b.Data[i] = 1
		} else {
			b.Data[i] = 0
		}
	}
	return b
}

// Ones returns a mask including every voxel of the given shape.
func Ones(width, height, depth int) *Volume {
	v := NewVolume(width, height, depth)
	for i := range v.Data {
		v.Data[i] = 1
	}
	return v
}
