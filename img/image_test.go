package img

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func solidImage(w, h int, c color.Color) *image.NRGBA {
	m := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			m.Set(x, y, c)
		}
	}
	return m
}

func writePNG(t *testing.T, name string, m image.Image) {
	f, err := os.Create(name)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, m); err != nil {
		t.Fatal(err)
	}
}

func near(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-6
}

func TestRescale(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 2, 1))
	src.Set(0, 0, color.RGBA{255, 0, 128, 255})
	src.Set(1, 0, color.RGBA{0, 255, 0, 255})
	dst := NewRGB(2, 1)
	Unpack(src, dst, 1.0/255)
	t.Logf("%v", dst.Pix)
	expect := []float32{1, 0, 128.0 / 255, 0, 1, 0}
	for i, v := range expect {
		if !near(dst.Pix[i], v) {
			t.Errorf("pixel %d: got %g expecting %g", i, dst.Pix[i], v)
		}
	}
	gray := NewGray(2, 1)
	Unpack(src, gray, 1.0/255)
	if !near(gray.Pix[1], 149.0/255) {
		t.Errorf("gray: got %g", gray.Pix[1])
	}

	// alpha is dropped, not multiplied in
	tsrc := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	tsrc.Set(0, 0, color.NRGBA{255, 0, 100, 128})
	tdst := NewRGB(1, 1)
	Unpack(tsrc, tdst, 1.0/255)
	expect = []float32{1, 0, 100.0 / 255}
	for i, v := range expect {
		if !near(tdst.Pix[i], v) {
			t.Errorf("translucent pixel %d: got %g expecting %g", i, tdst.Pix[i], v)
		}
	}
	tgray := NewGray(1, 1)
	Unpack(tsrc, tgray, 1.0/255)
	if !near(tgray.Pix[0], float32((299*255+114*100)/1000)/255) {
		t.Errorf("translucent gray: got %g", tgray.Pix[0])
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "solid.png")
	writePNG(t, name, solidImage(10, 6, color.NRGBA{255, 51, 0, 255}))
	interp, err := Interpolation("nearest")
	if err != nil {
		t.Fatal(err)
	}
	l := Loader{Width: 4, Height: 4, Channels: 3, Rescale: 1.0 / 255, Interp: interp}
	m := NewRGB(4, 4)
	if err := l.Load(name, m); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 16; i++ {
		c := m.RGBAt(i%4, i/4)
		if !near(c.R, 1) || !near(c.G, 0.2) || !near(c.B, 0) {
			t.Fatalf("pixel %d: got %+v", i, c)
		}
	}
	if err := l.Load(filepath.Join(dir, "missing.png"), m); err == nil {
		t.Error("expecting error for missing file")
	}
	if _, err := Interpolation("sinc"); err == nil {
		t.Error("expecting error for invalid interpolation")
	}
}

func TestParseCSV(t *testing.T) {
	in := "image_id,other,transformed_score\n1.jpg,x,0.5\n/abs/2.jpg,y,0.25\n"
	tbl, err := ParseCSV(strings.NewReader(in), "imgs", "image_id", "transformed_score")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(tbl.Files, []string{filepath.Join("imgs", "1.jpg"), "/abs/2.jpg"}) {
		t.Error("files", tbl.Files)
	}
	if !reflect.DeepEqual(tbl.Labels, []float32{0.5, 0.25}) {
		t.Error("labels", tbl.Labels)
	}
	if _, err := ParseCSV(strings.NewReader(in), "", "image", "transformed_score"); err == nil {
		t.Error("expecting error for missing column")
	}
	bad := "image_id,transformed_score\n1.jpg,high\n"
	if _, err := ParseCSV(strings.NewReader(bad), "", "image_id", "transformed_score"); err == nil {
		t.Error("expecting error for invalid score")
	} else {
		t.Log(err)
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"), solidImage(2, 2, color.White))
	os.WriteFile(filepath.Join(dir, "b.txt"), []byte("text"), 0644)
	// no decoder is registered for netpbm files
	os.WriteFile(filepath.Join(dir, "d.ppm"), []byte("P6\n1 1\n255\n\xff\x00\x00"), 0644)
	tbl := &Table{
		Files: []string{filepath.Join(dir, "a.png"), filepath.Join(dir, "b.txt"), filepath.Join(dir, "c.png"),
			filepath.Join(dir, "d.ppm")},
		Labels: []float32{1, 2, 3, 4},
	}
	v := tbl.Validate()
	if v.Len() != 1 || v.Labels[0] != 1 {
		t.Errorf("got %+v", v)
	}
}

func TestSelect(t *testing.T) {
	tbl := &Table{Files: []string{"a", "b", "c", "d"}, Labels: []float32{1, 2, 3, 4}}
	s := tbl.Select([]int{3, 1})
	if !reflect.DeepEqual(s.Files, []string{"d", "b"}) || !reflect.DeepEqual(s.Labels, []float32{4, 2}) {
		t.Errorf("got %+v", s)
	}
}

func TestTransform(t *testing.T) {
	m := NewRGB(3, 1)
	copy(m.Pix, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9})
	flip := transform(m, func(x, y int) (int, int) { return 2 - x, y })
	if !reflect.DeepEqual(flip.Pixels(), []float32{7, 8, 9, 4, 5, 6, 1, 2, 3}) {
		t.Error("flip", flip.Pixels())
	}
	if wrap(-1, 3) != 0 || wrap(3, 3) != 2 || wrap(1, 3) != 1 {
		t.Error("wrap")
	}
	if s := (HorizFlip | Pan).String(); s != "HorizFlip Pan" {
		t.Error(s)
	}
	tr := NewTransformer(NoTrans, 2, nil)
	if out := tr.Transform(m, 1); out != Image(m) {
		t.Error("expecting image unchanged")
	}
}

func TestPan(t *testing.T) {
	m := NewGray(5, 1)
	copy(m.Pix, []float32{0, 1, 2, 3, 4})
	valid := [][]float32{{0, 1, 2, 3, 4}, {0, 0, 1, 2, 3}, {1, 2, 3, 4, 4}}
	tr := NewTransformer(Pan, 1, rand.New(rand.NewSource(1)))
	tr.PanPixels = 1
	shifted := 0
	for i := 0; i < 50; i++ {
		out := tr.Transform(m, 0).Pixels()
		found := false
		for j, v := range valid {
			if reflect.DeepEqual(out, v) {
				found = true
				if j > 0 {
					shifted++
				}
			}
		}
		if !found {
			t.Fatalf("unexpected pan output %v", out)
		}
	}
	if shifted == 0 {
		t.Error("image was never panned")
	}
	tr.PanPixels = 0
	if out := tr.Transform(m, 0); out != Image(m) {
		t.Error("expecting image unchanged with zero pan")
	}
}

func TestDataInput(t *testing.T) {
	dir := t.TempDir()
	tbl := &Table{}
	for i, v := range []uint8{0, 100, 200} {
		name := filepath.Join(dir, string(rune('a'+i))+".png")
		writePNG(t, name, solidImage(8, 8, color.Gray{Y: v}))
		tbl.Files = append(tbl.Files, name)
		tbl.Labels = append(tbl.Labels, float32(i))
	}
	d := NewData(tbl, Loader{Width: 4, Height: 4, Channels: 3, Rescale: 1}, nil)
	if !reflect.DeepEqual(d.Shape(), []int{4, 4, 3}) {
		t.Error("shape", d.Shape())
	}
	buf := make([]float32, 2*d.nfeat())
	if err := d.Input([]int{2, 0}, buf); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 200 || buf[d.nfeat()-1] != 200 || buf[d.nfeat()] != 0 {
		t.Error("got", buf[0], buf[d.nfeat()-1], buf[d.nfeat()])
	}
	label := make([]float32, 2)
	d.Label([]int{2, 0}, label)
	if !reflect.DeepEqual(label, []float32{2, 0}) {
		t.Error("labels", label)
	}
	s := tbl.LabelStats()
	if s.Mean != 1 || s.Min != 0 || s.Max != 2 {
		t.Error("stats", s)
	}
	tbl.Files[1] = filepath.Join(dir, "missing.png")
	if err := d.Input([]int{0, 1}, buf); err == nil {
		t.Error("expecting error for missing file")
	} else {
		t.Log(err)
	}
}
