// Package visualization renders review artifacts from a completed analysis:
// a multi-tier RGB overlay (patent vasculature, suspicious and definite
// findings in distinct colors), a binary ROI overlay of the domain mask,
// per-finding pick-list metadata, and JPEG slice-sequence export for
// offline review.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"

	"emboscan/internal/models"
	"emboscan/pkg/detect"
	"emboscan/pkg/volume"
)

// Display window for the grayscale base image, in HU.
const (
	windowMinHU = -1000.0
	windowMaxHU = 400.0
)

// Voxel classes of the tier field, in increasing display priority.
const (
	classNone = iota
	classVessel
	classSuspicious
	classDefinite
)

// Overlay renders slices of one analyzed volume.
type Overlay struct {
	vol *volume.Volume

	// tier holds the display class per voxel.
	tier []uint8
}

// NewOverlay prepares the renderer. The vessel mask colors patent
// vasculature; finding voxels override it with their confidence tier.
// Either argument may be nil.
func NewOverlay(vol *volume.Volume, vessel *volume.Mask, det *detect.Result) *Overlay {
	o := &Overlay{
		vol:  vol,
		tier: make([]uint8, vol.Len()),
	}
	if vessel != nil {
		for i, on := range vessel.Data {
			if on {
				o.tier[i] = classVessel
			}
		}
	}
	if det != nil {
		for _, region := range det.Regions {
			if region.RejectedBy != "" {
				continue
			}
			class := uint8(classSuspicious)
			if region.Tier == models.TierDefinite {
				class = classDefinite
			}
			for _, idx := range region.Voxels {
				o.tier[idx] = class
			}
		}
	}
	return o
}

// TierSlice renders an axial slice: windowed grayscale CT with patent
// vessels in blue, suspicious findings in yellow and definite findings in
// red, each blended over the anatomy.
func (o *Overlay) TierSlice(z int) (*image.RGBA, error) {
	if z < 0 || z >= o.vol.Depth {
		return nil, fmt.Errorf("slice %d out of range [0,%d)", z, o.vol.Depth)
	}
	img := image.NewRGBA(image.Rect(0, 0, o.vol.Width, o.vol.Height))
	for y := 0; y < o.vol.Height; y++ {
		for x := 0; x < o.vol.Width; x++ {
			img.SetRGBA(x, y, o.voxelColor(o.vol.Idx(x, y, z)))
		}
	}
	return img, nil
}

// voxelColor is the windowed, tier-tinted color of one voxel.
func (o *Overlay) voxelColor(idx int) color.RGBA {
	g := windowHU(o.vol.Data[idx])
	c := color.RGBA{R: g, G: g, B: g, A: 255}
	switch o.tier[idx] {
	case classVessel:
		c = blend(c, color.RGBA{R: 40, G: 90, B: 220, A: 255}, 0.45)
	case classSuspicious:
		c = blend(c, color.RGBA{R: 230, G: 200, B: 30, A: 255}, 0.6)
	case classDefinite:
		c = blend(c, color.RGBA{R: 220, G: 40, B: 40, A: 255}, 0.7)
	}
	return c
}

// RGBVolume renders the whole overlay in volume form: three bytes per
// voxel (R, G, B), voxel order matching the input volume, for consumers
// that want the tinted volume rather than per-slice images.
func (o *Overlay) RGBVolume() []uint8 {
	out := make([]uint8, 3*o.vol.Len())
	for i := 0; i < o.vol.Len(); i++ {
		c := o.voxelColor(i)
		out[3*i] = c.R
		out[3*i+1] = c.G
		out[3*i+2] = c.B
	}
	return out
}

// ROISlice renders the domain mask of one axial slice as a binary image.
func ROISlice(mask *volume.Mask, z int) (*image.Gray, error) {
	if z < 0 || z >= mask.Depth {
		return nil, fmt.Errorf("slice %d out of range [0,%d)", z, mask.Depth)
	}
	img := image.NewGray(image.Rect(0, 0, mask.Width, mask.Height))
	for y := 0; y < mask.Height; y++ {
		for x := 0; x < mask.Width; x++ {
			if mask.At(x, y, z) {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return img, nil
}

// GraySlice extracts a windowed grayscale slice along any axis, for review
// outside the axial plane. Axis is "x", "y" or "z".
func (o *Overlay) GraySlice(axis string, position int) (image.Image, error) {
	v := o.vol
	switch axis {
	case "x", "X":
		if position < 0 || position >= v.Width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.Width)
		}
		img := image.NewGray(image.Rect(0, 0, v.Depth, v.Height))
		for y := 0; y < v.Height; y++ {
			for z := 0; z < v.Depth; z++ {
				img.SetGray(z, y, color.Gray{Y: windowHU(v.At(position, y, z))})
			}
		}
		return img, nil
	case "y", "Y":
		if position < 0 || position >= v.Height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.Height)
		}
		img := image.NewGray(image.Rect(0, 0, v.Width, v.Depth))
		for z := 0; z < v.Depth; z++ {
			for x := 0; x < v.Width; x++ {
				img.SetGray(x, z, color.Gray{Y: windowHU(v.At(x, position, z))})
			}
		}
		return img, nil
	case "z", "Z":
		if position < 0 || position >= v.Depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.Depth)
		}
		img := image.NewGray(image.Rect(0, 0, v.Width, v.Height))
		for y := 0; y < v.Height; y++ {
			for x := 0; x < v.Width; x++ {
				img.SetGray(x, y, color.Gray{Y: windowHU(v.At(x, y, position))})
			}
		}
		return img, nil
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// SaveSlice writes an image as JPEG.
func SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveOverlaySequence renders and saves the tier overlay for every axial
// slice that intersects at least one finding, plus a margin of one slice on
// each side. With no findings it saves nothing and returns nil.
func (o *Overlay) SaveOverlaySequence(outputDir string, findings []models.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	wanted := make(map[int]bool)
	for _, f := range findings {
		for z := f.SliceMin - 1; z <= f.SliceMax+1; z++ {
			if z >= 0 && z < o.vol.Depth {
				wanted[z] = true
			}
		}
	}
	for z := 0; z < o.vol.Depth; z++ {
		if !wanted[z] {
			continue
		}
		img, err := o.TierSlice(z)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("overlay_z_%03d.jpg", z))
		if err := SaveSlice(img, filename); err != nil {
			return err
		}
	}
	return nil
}

// PickItem is one entry of the reviewer's finding list.
type PickItem struct {
	FindingID int        `json:"finding_id"`
	Label     string     `json:"label"`
	Tier      string     `json:"tier"`
	Slice     int        `json:"slice"`
	Centroid  [3]float64 `json:"centroid"`
	VolumeCM3 float64    `json:"volume_cm3"`
}

// PickList converts findings into reviewer metadata, ordered as given. The
// slice is the axial position nearest the centroid.
func PickList(findings []models.Finding) []PickItem {
	items := make([]PickItem, 0, len(findings))
	for _, f := range findings {
		items = append(items, PickItem{
			FindingID: f.ID,
			Label:     fmt.Sprintf("finding %d (%s, %.2f cm3)", f.ID, f.TierName, f.VolumeMM3/1000),
			Tier:      f.TierName,
			Slice:     int(f.Centroid[2] + 0.5),
			Centroid:  f.Centroid,
			VolumeCM3: f.VolumeMM3 / 1000,
		})
	}
	return items
}

// windowHU maps HU onto the display window.
func windowHU(hu float64) uint8 {
	if hu <= windowMinHU {
		return 0
	}
	if hu >= windowMaxHU {
		return 255
	}
	return uint8(255 * (hu - windowMinHU) / (windowMaxHU - windowMinHU))
}

// blend mixes the tint into the base color by alpha.
func blend(base, tint color.RGBA, alpha float64) color.RGBA {
	mix := func(b, t uint8) uint8 {
		return uint8(float64(b)*(1-alpha) + float64(t)*alpha)
	}
	return color.RGBA{
		R: mix(base.R, tint.R),
		G: mix(base.G, tint.G),
		B: mix(base.B, tint.B),
		A: 255,
	}
}
