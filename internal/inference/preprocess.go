package inference

import (
	"encoding/json"
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// Tensor is a dense float32 array in row-major order.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"pixel_values"`
}

// Preprocessor mirrors preprocessor_config.json of an image processor.
type Preprocessor struct {
	DoResize      bool
	Height, Width int
	ShortestEdge  int
	DoCenterCrop  bool
	CropHeight    int
	CropWidth     int
	Resample      int
	DoRescale     bool
	RescaleFactor float64
	DoNormalize   bool
	Mean          [3]float64
	Std           [3]float64
}

type rawPreprocessor struct {
	DoResize      *bool           `json:"do_resize"`
	Size          json.RawMessage `json:"size"`
	DoCenterCrop  bool            `json:"do_center_crop"`
	CropSize      json.RawMessage `json:"crop_size"`
	Resample      *int            `json:"resample"`
	DoRescale     *bool           `json:"do_rescale"`
	RescaleFactor *float64        `json:"rescale_factor"`
	DoNormalize   *bool           `json:"do_normalize"`
	ImageMean     []float64       `json:"image_mean"`
	ImageStd      []float64       `json:"image_std"`
}

type sizeSpec struct {
	Height       int `json:"height"`
	Width        int `json:"width"`
	ShortestEdge int `json:"shortest_edge"`
}

func parseSize(raw json.RawMessage) (sizeSpec, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return sizeSpec{}, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return sizeSpec{Height: n, Width: n}, nil
	}
	var s sizeSpec
	if err := json.Unmarshal(raw, &s); err != nil {
		return sizeSpec{}, err
	}
	return s, nil
}

// ParsePreprocessor reads preprocessor_config.json. Missing switches take the
// image-processor defaults (resize to 224x224, rescale by 1/255, normalize
// with mean/std 0.5).
func ParsePreprocessor(raw []byte) (*Preprocessor, error) {
	var rp rawPreprocessor
	if err := json.Unmarshal(raw, &rp); err != nil {
		return nil, fmt.Errorf("parse preprocessor_config.json: %w", err)
	}
	p := &Preprocessor{
		DoResize:      boolOr(rp.DoResize, true),
		Height:        224,
		Width:         224,
		DoCenterCrop:  rp.DoCenterCrop,
		Resample:      intOr(rp.Resample, 2),
		DoRescale:     boolOr(rp.DoRescale, true),
		RescaleFactor: floatOr(rp.RescaleFactor, 1.0/255.0),
		DoNormalize:   boolOr(rp.DoNormalize, true),
		Mean:          [3]float64{0.5, 0.5, 0.5},
		Std:           [3]float64{0.5, 0.5, 0.5},
	}
	size, err := parseSize(rp.Size)
	if err != nil {
		return nil, fmt.Errorf("preprocessor_config.json: size: %w", err)
	}
	switch {
	case size.Height > 0 && size.Width > 0:
		p.Height, p.Width = size.Height, size.Width
	case size.ShortestEdge > 0:
		p.ShortestEdge = size.ShortestEdge
		p.Height, p.Width = size.ShortestEdge, size.ShortestEdge
	}
	if p.DoCenterCrop {
		crop, err := parseSize(rp.CropSize)
		if err != nil {
			return nil, fmt.Errorf("preprocessor_config.json: crop_size: %w", err)
		}
		p.CropHeight, p.CropWidth = crop.Height, crop.Width
		if p.CropHeight <= 0 || p.CropWidth <= 0 {
			p.CropHeight, p.CropWidth = p.Height, p.Width
		}
	}
	if len(rp.ImageMean) > 0 {
		if err := fill3(&p.Mean, rp.ImageMean, "image_mean"); err != nil {
			return nil, err
		}
	}
	if len(rp.ImageStd) > 0 {
		if err := fill3(&p.Std, rp.ImageStd, "image_std"); err != nil {
			return nil, err
		}
	}
	for i, s := range p.Std {
		if s == 0 {
			return nil, fmt.Errorf("preprocessor_config.json: image_std[%d] is zero", i)
		}
	}
	return p, nil
}

// Apply converts img into a [1, 3, H, W] tensor.
func (p *Preprocessor) Apply(img image.Image) (*Tensor, error) {
	if img == nil {
		return nil, ErrNilImage
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("image has no pixels")
	}

	src := img
	if p.DoResize {
		src = p.resize(img)
	}
	if p.DoCenterCrop {
		src = centerCrop(src, p.CropWidth, p.CropHeight)
	}

	sb := src.Bounds()
	h, w := sb.Dy(), sb.Dx()
	plane := h * w
	data := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := src.At(sb.Min.X+x, sb.Min.Y+y).RGBA()
			px := [3]float64{float64(r >> 8), float64(g >> 8), float64(bl >> 8)}
			for c := 0; c < 3; c++ {
				v := px[c]
				if p.DoRescale {
					v *= p.RescaleFactor
				}
				if p.DoNormalize {
					v = (v - p.Mean[c]) / p.Std[c]
				}
				data[c*plane+y*w+x] = float32(v)
			}
		}
	}
	return &Tensor{Shape: []int{1, 3, h, w}, Data: data}, nil
}

func (p *Preprocessor) resize(img image.Image) image.Image {
	b := img.Bounds()
	w, h := p.Width, p.Height
	if p.ShortestEdge > 0 {
		if b.Dx() < b.Dy() {
			w = p.ShortestEdge
			h = b.Dy() * p.ShortestEdge / b.Dx()
		} else {
			h = p.ShortestEdge
			w = b.Dx() * p.ShortestEdge / b.Dy()
		}
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	scalerFor(p.Resample).Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

func centerCrop(img image.Image, w, h int) image.Image {
	b := img.Bounds()
	if w <= 0 || h <= 0 || (w >= b.Dx() && h >= b.Dy()) {
		return img
	}
	if w > b.Dx() {
		w = b.Dx()
	}
	if h > b.Dy() {
		h = b.Dy()
	}
	x0 := b.Min.X + (b.Dx()-w)/2
	y0 := b.Min.Y + (b.Dy()-h)/2
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), img, image.Pt(x0, y0), draw.Src)
	return dst
}

// scalerFor maps PIL resample codes onto x/image interpolators.
func scalerFor(resample int) draw.Scaler {
	switch resample {
	case 0:
		return draw.NearestNeighbor
	case 1, 3:
		return draw.CatmullRom
	case 4:
		return draw.ApproxBiLinear
	default:
		return draw.BiLinear
	}
}

func fill3(dst *[3]float64, src []float64, field string) error {
	switch len(src) {
	case 1:
		dst[0], dst[1], dst[2] = src[0], src[0], src[0]
	case 3:
		copy(dst[:], src)
	default:
		return fmt.Errorf("preprocessor_config.json: %s must have 1 or 3 values, got %d", field, len(src))
	}
	return nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}
