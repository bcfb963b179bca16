package visual

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"math"
	"strconv"
	"strings"

	"github.com/mqxerror/qa-guardian/internal/models"
	_ "golang.org/x/image/webp"
)

// DefaultDiffColor is used when no diff color is configured
var DefaultDiffColor = color.RGBA{R: 255, G: 0, B: 255, A: 255}

// Options configure one comparison
type Options struct {
	Threshold       float64 // Max diff percentage that still passes
	ColorTolerance  int     // Summed per-channel delta on an 8-bit scale, 0-1020
	DiffColor       color.RGBA
	IgnoreRegions   []models.IgnoreRegion
	MinRegionPixels int // Changed clusters smaller than this are not reported as regions
}

// OptionsFromSettings builds Options from project visual settings plus run level ignore regions
func OptionsFromSettings(s models.VisualSettings, extra []models.IgnoreRegion) (Options, error) {
	c, err := ParseHexColor(s.DiffColor)
	if err != nil {
		return Options{}, err
	}
	regions := append(append([]models.IgnoreRegion(nil), s.IgnoreRegions...), extra...)
	return Options{
		Threshold:       s.DiffThreshold,
		ColorTolerance:  s.ColorTolerance,
		DiffColor:       c,
		IgnoreRegions:   regions,
		MinRegionPixels: 1,
	}, nil
}

// ParseHexColor parses #rgb or #rrggbb. An empty string yields DefaultDiffColor.
func ParseHexColor(hex string) (color.RGBA, error) {
	hex = strings.TrimPrefix(strings.TrimSpace(hex), "#")
	if hex == "" {
		return DefaultDiffColor, nil
	}
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return color.RGBA{}, fmt.Errorf("invalid diff color %q", hex)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid diff color %q: %w", hex, err)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}

// Comparison is the result plus the rendered overlay
type Comparison struct {
	Result  *models.VisualComparisonResult
	Overlay *image.RGBA
}

// Compare diffs candidate against baseline on the union canvas of both sizes.
//
// Pixels outside the intersection count as changed. Pixels inside an ignore
// region are excluded from both the changed count and the compared total, and
// are drawn as a grey hatch in the overlay. The result depends only on the
// inputs.
func Compare(candidate, baseline image.Image, opts Options) *Comparison {
	bb, cb := baseline.Bounds(), candidate.Bounds()
	bW, bH := bb.Dx(), bb.Dy()
	cW, cH := cb.Dx(), cb.Dy()
	w, h := max(bW, cW), max(bH, cH)
	iw, ih := min(bW, cW), min(bH, cH)

	ignored := ignoreMask(w, h, opts.IgnoreRegions)
	changed := make([]bool, w*h)

	tolerance := uint32(opts.ColorTolerance) * 257
	changedCount, ignoredCount := 0, 0

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			if ignored[i] {
				ignoredCount++
				continue
			}
			if x >= iw || y >= ih {
				changed[i] = true
				changedCount++
				continue
			}
			r1, g1, b1, a1 := baseline.At(bb.Min.X+x, bb.Min.Y+y).RGBA()
			r2, g2, b2, a2 := candidate.At(cb.Min.X+x, cb.Min.Y+y).RGBA()
			if delta(r1, r2)+delta(g1, g2)+delta(b1, b2)+delta(a1, a2) > tolerance {
				changed[i] = true
				changedCount++
			}
		}
	}

	compared := w*h - ignoredCount
	pct := 0.0
	if compared > 0 {
		pct = math.Round(float64(changedCount)/float64(compared)*100*1e4) / 1e4
	}

	status := models.DiffPass
	if pct > opts.Threshold {
		status = models.DiffFail
	}

	result := &models.VisualComparisonResult{
		Status:          status,
		DiffPercentage:  pct,
		Threshold:       opts.Threshold,
		ChangedPixels:   changedCount,
		ComparedPixels:  compared,
		IgnoredPixels:   ignoredCount,
		DimensionsMatch: bW == cW && bH == cH,
		BaselineSize:    [2]int{bW, bH},
		CandidateSize:   [2]int{cW, cH},
		Regions:         changedRegions(changed, w, h, opts.MinRegionPixels),
		IgnoredRegions:  clipRegions(opts.IgnoreRegions, w, h),
	}

	diffColor := opts.DiffColor
	if diffColor.A == 0 {
		diffColor = DefaultDiffColor
	}
	return &Comparison{
		Result:  result,
		Overlay: renderOverlay(baseline, changed, ignored, w, h, diffColor),
	}
}

// EncodePNG encodes an overlay for storage
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeImage decodes png, jpeg or webp bytes
func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

func delta(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

func clip(r models.Rect, w, h int) image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height).Intersect(image.Rect(0, 0, w, h))
}

func clipRegions(regions []models.IgnoreRegion, w, h int) []models.IgnoreRegion {
	var out []models.IgnoreRegion
	for _, r := range regions {
		c := clip(r.Rect, w, h)
		if c.Empty() {
			continue
		}
		out = append(out, models.IgnoreRegion{
			Name: r.Name,
			Rect: models.Rect{X: c.Min.X, Y: c.Min.Y, Width: c.Dx(), Height: c.Dy()},
		})
	}
	return out
}

func ignoreMask(w, h int, regions []models.IgnoreRegion) []bool {
	mask := make([]bool, w*h)
	for _, r := range regions {
		c := clip(r.Rect, w, h)
		for y := c.Min.Y; y < c.Max.Y; y++ {
			for x := c.Min.X; x < c.Max.X; x++ {
				mask[y*w+x] = true
			}
		}
	}
	return mask
}

// changedRegions clusters changed pixels by 4-connected flood fill, scanning
// row-major so region order is stable.
func changedRegions(changed []bool, w, h, minPixels int) []models.Rect {
	if minPixels < 1 {
		minPixels = 1
	}
	visited := make([]bool, len(changed))
	var regions []models.Rect
	queue := make([]int, 0, 64)

	for start := range changed {
		if !changed[start] || visited[start] {
			continue
		}
		minX, minY := start%w, start/w
		maxX, maxY := minX, minY
		count := 0

		visited[start] = true
		queue = append(queue[:0], start)
		for len(queue) > 0 {
			i := queue[0]
			queue = queue[1:]
			x, y := i%w, i/w
			count++
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)

			neighbours := [4][2]int{{x, y - 1}, {x, y + 1}, {x - 1, y}, {x + 1, y}}
			for _, n := range neighbours {
				nx, ny := n[0], n[1]
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				j := ny*w + nx
				if changed[j] && !visited[j] {
					visited[j] = true
					queue = append(queue, j)
				}
			}
		}

		if count >= minPixels {
			regions = append(regions, models.Rect{X: minX, Y: minY, Width: maxX - minX + 1, Height: maxY - minY + 1})
		}
	}
	return regions
}

var (
	hatchDark  = color.RGBA{R: 96, G: 96, B: 96, A: 255}
	hatchLight = color.RGBA{R: 160, G: 160, B: 160, A: 255}
	outside    = color.RGBA{R: 20, G: 20, B: 20, A: 255}
)

// renderOverlay paints changed pixels in diffColor over the baseline dimmed to 30%
func renderOverlay(baseline image.Image, changed, ignored []bool, w, h int, diffColor color.RGBA) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	bb := baseline.Bounds()

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			switch {
			case ignored[i]:
				if (x+y)%8 < 4 {
					out.SetRGBA(x, y, hatchDark)
				} else {
					out.SetRGBA(x, y, hatchLight)
				}
			case changed[i]:
				out.SetRGBA(x, y, diffColor)
			case x < bb.Dx() && y < bb.Dy():
				r, g, b, _ := baseline.At(bb.Min.X+x, bb.Min.Y+y).RGBA()
				out.SetRGBA(x, y, color.RGBA{
					R: uint8((r >> 8) * 77 / 255),
					G: uint8((g >> 8) * 77 / 255),
					B: uint8((b >> 8) * 77 / 255),
					A: 255,
				})
			default:
				out.SetRGBA(x, y, outside)
			}
		}
	}
	return out
}
