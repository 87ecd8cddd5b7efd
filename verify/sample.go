package verify

import (
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// LoadSample decodes a PNG or JPEG image.
//
// Arguments:
//   - fs: The filesystem to read from.
//   - path: The image path.
//
// Returns:
//   - image.Image: The decoded image.
//   - error: An error if the file is missing or not an image.
func LoadSample(fs afero.Fs, path string) (image.Image, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open sample %s", path)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode sample %s", path)
	}
	return img, nil
}

// SampleInput resizes img to size x size and flattens it channels-last into
// RGB floats scaled to [0, 1].
//
// Arguments:
//   - img: The sample image.
//   - size: The square input resolution.
//
// Returns:
//   - []float32: size*size*3 values in HWC order.
func SampleInput(img image.Image, size int) []float32 {
	img = resize.Resize(uint(size), uint(size), img, resize.Lanczos3)

	data := make([]float32, 0, size*size*3)
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Min.Y+size; y++ {
		for x := bounds.Min.X; x < bounds.Min.X+size; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			data = append(data, float32(r>>8)/255.0, float32(g>>8)/255.0, float32(b>>8)/255.0)
		}
	}
	return data
}
