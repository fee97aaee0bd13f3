package img

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/martinkarlik/X-IAA/stats"
	"github.com/pkg/errors"
)

// Table holds the image file names and scores read from a CSV file.
type Table struct {
	Files  []string
	Labels []float32
}

// ReadCSV reads the file and label columns from the named CSV file. The first row is a header
// with the column names. Relative file names are taken relative to dir if it is set.
func ReadCSV(name, dir, xCol, yCol string) (*Table, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, errors.Wrap(err, "read csv")
	}
	defer f.Close()
	t, err := ParseCSV(f, dir, xCol, yCol)
	return t, errors.Wrapf(err, "read %s", name)
}

// ParseCSV reads the table from r, see ReadCSV.
func ParseCSV(r io.Reader, dir, xCol, yCol string) (*Table, error) {
	rd := csv.NewReader(r)
	rd.FieldsPerRecord = -1
	head, err := rd.Read()
	if err != nil {
		return nil, errors.Wrap(err, "header")
	}
	xi, yi := -1, -1
	for i, name := range head {
		switch strings.TrimSpace(name) {
		case xCol:
			xi = i
		case yCol:
			yi = i
		}
	}
	if xi < 0 {
		return nil, errors.Errorf("column %q not found", xCol)
	}
	if yi < 0 {
		return nil, errors.Errorf("column %q not found", yCol)
	}
	t := &Table{}
	for row := 2; ; row++ {
		rec, err := rd.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if xi >= len(rec) || yi >= len(rec) {
			return nil, errors.Errorf("row %d: expecting at least %d fields", row, max(xi, yi)+1)
		}
		label, err := strconv.ParseFloat(strings.TrimSpace(rec[yi]), 32)
		if err != nil {
			return nil, errors.Wrapf(err, "row %d: invalid %s", row, yCol)
		}
		file := strings.TrimSpace(rec[xi])
		if dir != "" && !filepath.IsAbs(file) {
			file = filepath.Join(dir, file)
		}
		t.Files = append(t.Files, file)
		t.Labels = append(t.Labels, float32(label))
	}
	return t, nil
}

// Len returns the number of rows
func (t *Table) Len() int { return len(t.Files) }

// Validate drops rows where the file does not exist or is not a known image type.
func (t *Table) Validate() *Table {
	v := &Table{}
	for i, file := range t.Files {
		if ValidImage(file) {
			v.Files = append(v.Files, file)
			v.Labels = append(v.Labels, t.Labels[i])
		}
	}
	fmt.Printf("found %d validated image filenames\n", v.Len())
	return v
}

// Select returns a new table with the given rows in order.
func (t *Table) Select(rows []int) *Table {
	s := &Table{Files: make([]string, len(rows)), Labels: make([]float32, len(rows))}
	for i, row := range rows {
		s.Files[i] = t.Files[row]
		s.Labels[i] = t.Labels[row]
	}
	return s
}

// LabelStats returns the mean, standard deviation and range of the scores.
func (t *Table) LabelStats() *stats.Average {
	s := new(stats.Average)
	for _, y := range t.Labels {
		s.Add(float64(y))
	}
	return s
}

func (t *Table) String() string {
	return fmt.Sprintf("%d images, score %s", t.Len(), t.LabelStats())
}

// Image data set which implements the nnet.Data interface. Images are read from disk when
// a batch is requested.
type Data struct {
	*Table
	Loader
	trans *Transformer
}

// NewData creates a new data set from the table. If trans is nil then images are loaded
// without augmentation.
func NewData(t *Table, l Loader, trans *Transformer) *Data {
	d := &Data{Table: t, Loader: l, trans: trans}
	if d.trans == nil {
		d.trans = NewTransformer(NoTrans, 1, nil)
	}
	return d
}

// Shape returns height, width, channels
func (d *Data) Shape() []int { return []int{d.Height, d.Width, d.Loader.Channels} }

// Label returns the scores for the given images
func (d *Data) Label(index []int, label []float32) {
	for i, ix := range index {
		label[i] = d.Labels[ix]
	}
}

// Input loads the given images and writes the pixel data to buf.
func (d *Data) Input(index []int, buf []float32) error {
	return d.trans.LoadBatch(d, index, buf)
}

// Image loads the image with the given index without transformation.
func (d *Data) Image(ix int) (Image, error) {
	if ix < 0 || ix >= d.Len() {
		return nil, errors.Errorf("image index %d out of range", ix)
	}
	m := NewImage(d.Width, d.Height, d.Loader.Channels)
	err := d.Load(d.Files[ix], m)
	return m, err
}

func (d *Data) nfeat() int {
	return d.Width * d.Height * d.Loader.Channels
}
