// Package testutil writes slide pyramids and annotation documents for tests.
package testutil

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/slidemap/server/internal/pyramid"
)

// PaintTissue draws alternating gray columns (mean 150, stddev 40), which
// passes the default tissue filter.
func PaintTissue(_ pyramid.TileAddress, img *image.NRGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := uint8(110)
			if x%2 == 1 {
				v = 190
			}
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
}

// WriteDZI writes a Deep Zoom pyramid named name into dir and returns the
// descriptor path. Only the listed levels get tile files; paint draws
// each tile and may be nil for plain white tiles.
func WriteDZI(t testing.TB, dir, name string, width, height, tileSize int, levels []int, paint func(addr pyramid.TileAddress, img *image.NRGBA)) string {
	t.Helper()

	grid, err := pyramid.NewGrid(width, height, tileSize)
	if err != nil {
		t.Fatalf("failed to build grid: %v", err)
	}

	descriptor := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Image xmlns="http://schemas.microsoft.com/deepzoom/2008" Format="png" Overlap="0" TileSize="%d">
  <Size Width="%d" Height="%d"/>
</Image>
`, tileSize, width, height)

	path := filepath.Join(dir, name+".dzi")
	if err := os.WriteFile(path, []byte(descriptor), 0644); err != nil {
		t.Fatalf("failed to write descriptor: %v", err)
	}

	tilesDir := filepath.Join(dir, name+"_files")
	if err := os.MkdirAll(tilesDir, 0755); err != nil {
		t.Fatalf("failed to create tiles dir: %v", err)
	}

	for _, level := range levels {
		cols, rows, err := grid.TileCount(level)
		if err != nil {
			t.Fatalf("invalid fixture level %d: %v", level, err)
		}
		levelDir := filepath.Join(tilesDir, fmt.Sprint(level))
		if err := os.MkdirAll(levelDir, 0755); err != nil {
			t.Fatalf("failed to create level dir: %v", err)
		}
		for row := 0; row < rows; row++ {
			for col := 0; col < cols; col++ {
				addr := pyramid.TileAddress{Level: level, Column: col, Row: row}
				w, h, _ := grid.TileBounds(addr)
				img := imaging.New(w, h, color.White)
				if paint != nil {
					paint(addr, img)
				}
				tilePath := filepath.Join(levelDir, fmt.Sprintf("%d_%d.png", col, row))
				if err := imaging.Save(img, tilePath); err != nil {
					t.Fatalf("failed to write tile %s: %v", tilePath, err)
				}
			}
		}
	}
	return path
}

// Region is one annotation graphic.
type Region struct {
	Description string
	Points      [][2]float64
}

// AnnotationXML renders regions as a Sedeen session document.
func AnnotationXML(regions []Region) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?>` + "\n")
	b.WriteString(`<session software="Sedeen Viewer" version="5.4.1">` + "\n")
	b.WriteString("  <annotations>\n")
	for i, r := range regions {
		fmt.Fprintf(&b, "    <annotation name=\"a%d\">\n", i)
		fmt.Fprintf(&b, "      <graphic type=\"polygon\" name=\"Region %d\" description=\"%s\">\n", i, r.Description)
		b.WriteString("        <pen color=\"#ff0000\" width=\"3\" style=\"Solid\"/>\n")
		b.WriteString("        <point-list>\n")
		for _, p := range r.Points {
			fmt.Fprintf(&b, "          <point>%g,%g</point>\n", p[0], p[1])
		}
		b.WriteString("        </point-list>\n")
		b.WriteString("      </graphic>\n")
		b.WriteString("    </annotation>\n")
	}
	b.WriteString("  </annotations>\n")
	b.WriteString("</session>\n")
	return b.String()
}

// WriteAnnotations writes regions as a Sedeen session file and returns its path.
func WriteAnnotations(t testing.TB, dir, name string, regions []Region) string {
	t.Helper()

	path := filepath.Join(dir, name+".session.xml")
	if err := os.WriteFile(path, []byte(AnnotationXML(regions)), 0644); err != nil {
		t.Fatalf("failed to write annotations: %v", err)
	}
	return path
}

// Rect returns the four corners of an axis-aligned rectangle.
func Rect(x0, y0, x1, y1 float64) [][2]float64 {
	return [][2]float64{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}}
}
