// Package img contains routines for loading and manipulating sets of images.
package img

import (
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	GrayModel = color.ModelFunc(grayModel)
	RGBModel  = color.ModelFunc(rgbModel)
)

// File extensions which are accepted as images when validating file names
// and which have a registered decoder.
var Extensions = []string{".png", ".jpg", ".jpeg", ".bmp", ".tif", ".tiff", ".gif", ".webp"}

// Gray color stored a float in range 0-1
type Gray struct {
	Y float32
}

func (c Gray) RGBA() (r, g, b, a uint32) {
	y := clampu(c.Y, 0, 1)
	return y, y, y, 0xffff
}

func grayModel(c color.Color) color.Color {
	if _, ok := c.(Gray); ok {
		return c
	}
	r, g, b, _ := c.RGBA()
	return Gray{Y: 0.299*float32(r)/0xffff + 0.587*float32(g)/0xffff + 0.114*float32(b)/0xffff}
}

// RGB color is stored as a float for each channel with values in range 0-1
type RGB struct {
	R, G, B float32
}

func (c RGB) RGBA() (r, g, b, a uint32) {
	return clampu(c.R, 0, 1), clampu(c.G, 0, 1), clampu(c.B, 0, 1), 0xffff
}

func rgbModel(c color.Color) color.Color {
	if _, ok := c.(RGB); ok {
		return c
	}
	r, g, b, _ := c.RGBA()
	return RGB{R: float32(r) / 0xffff, G: float32(g) / 0xffff, B: float32(b) / 0xffff}
}

// Image interface type with additional method to get the pixel data.
// Pixels are stored row by row with the channels last, matching the network input layout.
type Image interface {
	draw.Image
	Pixels() []float32
	Channels() int
}

// NewImage allocates a blank image with the given number of channels, which must be 1 or 3.
func NewImage(width, height, channels int) Image {
	switch channels {
	case 1:
		return NewGray(width, height)
	case 3:
		return NewRGB(width, height)
	default:
		panic("invalid number of channels")
	}
}

func NewImageLike(src Image) Image {
	b := src.Bounds()
	return NewImage(b.Dx(), b.Dy(), src.Channels())
}

// GrayImage type stores the image data as float32 values in row major order.
type GrayImage struct {
	Pix    []float32
	Height int
	Width  int
}

func NewGray(width, height int) *GrayImage {
	return &GrayImage{Pix: make([]float32, height*width), Height: height, Width: width}
}

func (m *GrayImage) Channels() int { return 1 }

func (m *GrayImage) ColorModel() color.Model { return GrayModel }

func (m *GrayImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

func (m *GrayImage) GrayAt(x, y int) Gray {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return Gray{}
	}
	return Gray{Y: m.Pix[x+y*m.Width]}
}

func (m *GrayImage) At(x, y int) color.Color {
	return m.GrayAt(x, y)
}

func (m *GrayImage) Set(x, y int, c color.Color) {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return
	}
	m.Pix[x+y*m.Width] = grayModel(c).(Gray).Y
}

func (m *GrayImage) Pixels() []float32 { return m.Pix }

// RGBImage type stores the image data as float32 values in row major order with the r, g and b
// values for each pixel stored together.
type RGBImage struct {
	Pix    []float32
	Height int
	Width  int
}

func NewRGB(width, height int) *RGBImage {
	return &RGBImage{Pix: make([]float32, height*width*3), Height: height, Width: width}
}

func (m *RGBImage) Channels() int { return 3 }

func (m *RGBImage) ColorModel() color.Model { return RGBModel }

func (m *RGBImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

func (m *RGBImage) RGBAt(x, y int) RGB {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return RGB{}
	}
	i := 3 * (x + y*m.Width)
	return RGB{R: m.Pix[i], G: m.Pix[i+1], B: m.Pix[i+2]}
}

func (m *RGBImage) At(x, y int) color.Color {
	return m.RGBAt(x, y)
}

func (m *RGBImage) Set(x, y int, c color.Color) {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return
	}
	rgb := rgbModel(c).(RGB)
	i := 3 * (x + y*m.Width)
	m.Pix[i], m.Pix[i+1], m.Pix[i+2] = rgb.R, rgb.G, rgb.B
}

func (m *RGBImage) Pixels() []float32 { return m.Pix }

// Interpolation returns the resize function with the given name. The default is nearest neighbour.
func Interpolation(name string) (resize.InterpolationFunction, error) {
	switch strings.ToLower(name) {
	case "", "nearest":
		return resize.NearestNeighbor, nil
	case "bilinear":
		return resize.Bilinear, nil
	case "bicubic":
		return resize.Bicubic, nil
	case "lanczos", "lanczos3":
		return resize.Lanczos3, nil
	default:
		return 0, errors.Errorf("invalid interpolation %q", name)
	}
}

// Channels returns the number of channels for the given color mode, rgb or grayscale.
func Channels(colorMode string) (int, error) {
	switch strings.ToLower(colorMode) {
	case "", "rgb":
		return 3, nil
	case "grayscale", "gray":
		return 1, nil
	default:
		return 0, errors.Errorf("invalid color mode %q", colorMode)
	}
}

// Decode reads an image file in any of the registered formats.
func Decode(name string) (image.Image, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	src, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", name)
	}
	return src, nil
}

// Loader reads image files and converts them to the network input size and scale.
type Loader struct {
	Width, Height, Channels int
	Rescale                 float64
	Interp                  resize.InterpolationFunction
}

// Load decodes the image file, resizes it if it is not already the target size and unpacks
// the 8 bit pixel values multiplied by Rescale into dst.
func (l Loader) Load(name string, dst Image) error {
	src, err := Decode(name)
	if err != nil {
		return err
	}
	l.Convert(src, dst)
	return nil
}

// Convert resizes src to the target size and unpacks it to dst.
func (l Loader) Convert(src image.Image, dst Image) {
	b := src.Bounds()
	if b.Dx() != l.Width || b.Dy() != l.Height {
		src = resize.Resize(uint(l.Width), uint(l.Height), src, l.Interp)
	}
	Unpack(src, dst, l.Rescale)
}

// Unpack copies the pixels from src to dst as 8 bit values multiplied by scale.
// Any alpha channel is dropped without premultiplying. Gray values use the ITU-R 601-2 luma transform.
func Unpack(src image.Image, dst Image, scale float64) {
	b := src.Bounds()
	pix := dst.Pixels()
	ch := dst.Channels()
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			if ch == 1 {
				lum := (299*uint32(c.R) + 587*uint32(c.G) + 114*uint32(c.B)) / 1000
				pix[i] = float32(float64(lum) * scale)
			} else {
				pix[i] = float32(float64(c.R) * scale)
				pix[i+1] = float32(float64(c.G) * scale)
				pix[i+2] = float32(float64(c.B) * scale)
			}
			i += ch
		}
	}
}

// ValidImage returns true if the file exists and has a known image file extension.
func ValidImage(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	known := false
	for _, e := range Extensions {
		if ext == e {
			known = true
			break
		}
	}
	if !known {
		return false
	}
	info, err := os.Stat(name)
	return err == nil && info.Mode().IsRegular()
}

func clampu(x, x0, x1 float32) uint32 {
	return uint32(clamp(x, x0, x1) * 0xffff)
}

func clamp(x, x0, x1 float32) float32 {
	if x < x0 {
		return x0
	}
	if x > x1 {
		return x1
	}
	return x
}
