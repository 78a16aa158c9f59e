package classifier

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Normalizer maps a tile onto a reference stain appearance.
type Normalizer interface {
	Normalize(img image.Image) (image.Image, error)
}

// Identity leaves tiles unchanged.
type Identity struct{}

func (Identity) Normalize(img image.Image) (image.Image, error) {
	return img, nil
}

// NewNormalizer returns the normalizer registered under name: "macenko"
// (default) or "none".
func NewNormalizer(name string) (Normalizer, error) {
	switch name {
	case "", "macenko":
		return DefaultMacenko(), nil
	case "none", "identity":
		return Identity{}, nil
	default:
		return nil, fmt.Errorf("unknown normalizer %q", name)
	}
}

// Macenko estimates the hematoxylin and eosin stain vectors of a tile from
// its optical density and re-renders the tile with reference vectors and
// concentrations.
type Macenko struct {
	Io    float64    // transmitted light intensity
	Alpha float64    // angle percentile used for the extreme stain directions
	Beta  float64    // optical density below which a pixel is background
	HERef [3][2]float64
	MaxC  [2]float64 // reference 99th percentile concentrations
}

// DefaultMacenko returns the usual H&E reference.
func DefaultMacenko() *Macenko {
	return &Macenko{
		Io:    240,
		Alpha: 1,
		Beta:  0.15,
		HERef: [3][2]float64{{0.5626, 0.2159}, {0.7201, 0.8012}, {0.4062, 0.5581}},
		MaxC:  [2]float64{1.9705, 1.0308},
	}
}

// Normalize re-renders img with the reference stains. Tiles with fewer than
// three stained pixels, or with no measurable concentration of either
// stain, are returned unchanged.
func (m *Macenko) Normalize(img image.Image) (image.Image, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	n := w * h
	if n == 0 {
		return img, nil
	}

	// Optical density per pixel, one row per pixel.
	od := mat.NewDense(n, 3, nil)
	stained := make([]int, 0, n)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := y*w + x
			keep := true
			for ch, v := range [3]uint8{c.R, c.G, c.B} {
				d := -math.Log10((float64(v) + 1) / m.Io)
				od.Set(i, ch, d)
				if d < m.Beta {
					keep = false
				}
			}
			if keep {
				stained = append(stained, i)
			}
		}
	}
	if len(stained) < 3 {
		return img, nil
	}

	odHat := mat.NewDense(len(stained), 3, nil)
	for r, i := range stained {
		odHat.SetRow(r, od.RawRowView(i))
	}

	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, odHat, nil)
	var eig mat.EigenSym
	if !eig.Factorize(&cov, true) {
		return nil, errors.New("eigen decomposition failed")
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	// Eigenvalues are ascending; the plane of the two largest holds the stains.
	plane := vecs.Slice(0, 3, 1, 3)

	var proj mat.Dense
	proj.Mul(odHat, plane)
	phi := make([]float64, len(stained))
	for r := range phi {
		phi[r] = math.Atan2(proj.At(r, 1), proj.At(r, 0))
	}
	sort.Float64s(phi)
	minPhi := stat.Quantile(m.Alpha/100, stat.LinInterp, phi, nil)
	maxPhi := stat.Quantile(1-m.Alpha/100, stat.LinInterp, phi, nil)

	var vMin, vMax mat.VecDense
	vMin.MulVec(plane, mat.NewVecDense(2, []float64{math.Cos(minPhi), math.Sin(minPhi)}))
	vMax.MulVec(plane, mat.NewVecDense(2, []float64{math.Cos(maxPhi), math.Sin(maxPhi)}))

	// Hematoxylin first.
	he := mat.NewDense(3, 2, nil)
	first, second := &vMax, &vMin
	if vMin.AtVec(0) > vMax.AtVec(0) {
		first, second = &vMin, &vMax
	}
	he.SetCol(0, []float64{first.AtVec(0), first.AtVec(1), first.AtVec(2)})
	he.SetCol(1, []float64{second.AtVec(0), second.AtVec(1), second.AtVec(2)})

	// Concentrations: least squares solution of he * C = od^T.
	var conc mat.Dense
	if err := conc.Solve(he, od.T()); err != nil {
		return nil, fmt.Errorf("stain concentrations: %w", err)
	}

	var scale [2]float64
	for s := 0; s < 2; s++ {
		row := append([]float64(nil), conc.RawRowView(s)...)
		sort.Float64s(row)
		p99 := stat.Quantile(0.99, stat.LinInterp, row, nil)
		if p99 == 0 || math.IsNaN(p99) {
			return img, nil
		}
		scale[s] = p99 / m.MaxC[s]
	}

	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < n; i++ {
		c0 := conc.At(0, i) / scale[0]
		c1 := conc.At(1, i) / scale[1]
		px := out.Pix[i*4 : i*4+4]
		for ch := 0; ch < 3; ch++ {
			v := m.Io * math.Exp(-(m.HERef[ch][0]*c0 + m.HERef[ch][1]*c1))
			if v > 255 {
				v = 254
			}
			px[ch] = uint8(v)
		}
		px[3] = 255
	}
	return out, nil
}
