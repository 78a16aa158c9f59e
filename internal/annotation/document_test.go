package annotation

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

const sampleSession = `<?xml version="1.0"?>
<session software="Sedeen Viewer" version="5.4.1">
  <annotations>
    <annotation name="a">
      <graphic type="polygon" name="Region 0" description="cellularity: 40">
        <pen color="#ff0000" width="3" style="Solid"/>
        <point-list>
          <point>100,100</point>
          <point>200, 100</point>
          <point>200,200</point>
          <point>100,200</point>
        </point-list>
      </graphic>
    </annotation>
    <annotation name="b">
      <graphic type="polygon" name="Region 1" description="stroma">
        <point-list><point>0,0</point><point>1,0</point><point>1,1</point></point-list>
      </graphic>
    </annotation>
    <annotation name="c">
      <graphic type="polygon" name="Region 2" description="healthy">
        <point-list><point>0,0</point><point>10,0</point></point-list>
      </graphic>
    </annotation>
    <annotation name="d">
      <graphic type="polygon" name="Region 3" description="idc">
        <point-list><point>0,0</point><point>ten,0</point><point>1,1</point></point-list>
      </graphic>
    </annotation>
    <annotation name="e">
      <graphic type="polygon" name="Region 4" description="normal epithelial">
        <point-list><point>300,300</point><point>400,300</point><point>350,400</point></point-list>
      </graphic>
    </annotation>
  </annotations>
</session>`

func TestParse(t *testing.T) {
	set, err := Parse(strings.NewReader(sampleSession))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if set.Len() != 2 {
		t.Fatalf("expected 2 polygons, got %d", set.Len())
	}
	if set.Polygons[0].Label() != Tumor || set.Polygons[1].Label() != Healthy {
		t.Errorf("unexpected labels %s, %s", set.Polygons[0].Label(), set.Polygons[1].Label())
	}
	if got := set.Polygons[0].Points(); len(got) != 4 || got[1] != (Point{200, 100}) {
		t.Errorf("unexpected points %v", got)
	}
	if set.Ignored != 1 {
		t.Errorf("expected 1 ignored region, got %d", set.Ignored)
	}
	if len(set.Warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %v", set.Warnings)
	}
	if set.Warnings[0].Index != 2 || set.Warnings[1].Index != 3 {
		t.Errorf("unexpected warning indices: %v", set.Warnings)
	}
	if !strings.Contains(set.Warnings[1].Reason, "ten") {
		t.Errorf("expected bad coordinate in reason, got %q", set.Warnings[1].Reason)
	}

	healthy, tumor := set.Counts()
	if healthy != 1 || tumor != 1 {
		t.Errorf("unexpected counts %d/%d", healthy, tumor)
	}
}

func TestParse_Unreadable(t *testing.T) {
	for name, doc := range map[string]string{
		"empty":     "",
		"truncated": `<session><annotations><graphic description="idc">`,
		"garbage":   `<session><<>`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(doc))
			if !errors.Is(err, ErrDocumentUnreadable) {
				t.Fatalf("expected ErrDocumentUnreadable, got %v", err)
			}
		})
	}
}

func TestParseFile_Missing(t *testing.T) {
	_, err := ParseFile(filepath.Join(t.TempDir(), "missing.xml"))
	if !errors.Is(err, ErrDocumentUnreadable) {
		t.Fatalf("expected ErrDocumentUnreadable, got %v", err)
	}
}

func TestParse_NoRegions(t *testing.T) {
	set, err := Parse(strings.NewReader(`<session><annotations/></session>`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if set.Len() != 0 {
		t.Fatalf("expected empty set, got %d", set.Len())
	}
}
