package img

import (
	"math/rand"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Types of image transformations
type TransType int

const NoTrans TransType = 0

const (
	HorizFlip TransType = 1 << iota
	Pan
)

var transTypeNames = map[TransType]string{
	HorizFlip: "HorizFlip",
	Pan:       "Pan",
}

func (t TransType) String() string {
	if t == NoTrans {
		return "None"
	}
	s := []string{}
	for key, name := range transTypeNames {
		if t&key != 0 {
			s = append(s, name)
		}
	}
	sort.Strings(s)
	return strings.Join(s, " ")
}

// Default maximum offset in pixels for the Pan transform
const DefaultPanPixels = 4

// Transformer loads batches of images in parallel and applies random augmentation.
type Transformer struct {
	Trans     TransType
	PanPixels int
	rng       []*rand.Rand
}

// Create a new transformer using the given number of worker goroutines, if threads <= 0 then
// use one per logical CPU. rng is only used if trans is not NoTrans.
func NewTransformer(trans TransType, threads int, rng *rand.Rand) *Transformer {
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	t := &Transformer{Trans: trans, PanPixels: DefaultPanPixels}
	for i := 0; i < threads; i++ {
		t.rng = append(t.rng, rand.New(rand.NewSource(rng.Int63())))
	}
	return t
}

// LoadBatch reads the images with the given indexes from the data set, transforms them and
// writes the pixels to buf in index order. Returns the first error encountered.
func (t *Transformer) LoadBatch(d *Data, index []int, buf []float32) error {
	nfeat := d.nfeat()
	if len(buf) < len(index)*nfeat {
		return errors.Errorf("buffer size %d too small for %d images", len(buf), len(index))
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	queue := make(chan int, len(index))
	for thread := range t.rng {
		wg.Add(1)
		go func(thread int) {
			defer wg.Done()
			img := NewImage(d.Width, d.Height, d.Loader.Channels)
			for i := range queue {
				file := d.Files[index[i]]
				err := d.Load(file, img)
				if err == nil {
					copy(buf[i*nfeat:(i+1)*nfeat], t.Transform(img, thread).Pixels())
					continue
				}
				mu.Lock()
				if firstErr == nil {
					firstErr = errors.Wrapf(err, "image %d", index[i])
				}
				mu.Unlock()
			}
		}(thread)
	}
	for i := range index {
		queue <- i
	}
	close(queue)
	wg.Wait()
	return firstErr
}

// Transform applies the configured transformations to img using the random source for the
// given worker. img is returned unchanged if there is nothing to do.
func (t *Transformer) Transform(img Image, thread int) Image {
	rng := t.rng[thread]
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if t.Trans&HorizFlip != 0 && rng.Float64() > 0.5 {
		img = transform(img, func(x, y int) (int, int) { return w - x - 1, y })
	}
	if t.Trans&Pan != 0 && t.PanPixels > 0 {
		ox := rng.Intn(2*t.PanPixels+1) - t.PanPixels
		oy := rng.Intn(2*t.PanPixels+1) - t.PanPixels
		if ox != 0 || oy != 0 {
			img = transform(img, func(x, y int) (int, int) { return wrap(x-ox, w), wrap(y-oy, h) })
		}
	}
	return img
}

// copy pixels from the source position given by fn, all channels are moved together
func transform(src Image, fn func(x, y int) (int, int)) Image {
	dst := NewImageLike(src)
	b := src.Bounds()
	ch := src.Channels()
	spix, dpix := src.Pixels(), dst.Pixels()
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			sx, sy := fn(x, y)
			copy(dpix[(x+y*b.Dx())*ch:(x+y*b.Dx()+1)*ch], spix[(sx+sy*b.Dx())*ch:])
		}
	}
	return dst
}

// reflect coordinates outside the image back inside
func wrap(x, dx int) int {
	if x < 0 {
		return -x - 1
	}
	if x >= dx {
		return 2*dx - x - 1
	}
	return x
}
