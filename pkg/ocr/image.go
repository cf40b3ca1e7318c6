package ocr

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/sipeed/ocrvoice/pkg/artifacts"
)

// nativeFormats are read by leptonica directly.
var nativeFormats = map[string]bool{
	"png":  true,
	"jpeg": true,
	"bmp":  true,
	"tiff": true,
}

// PrepareImage checks that path holds a decodable image and returns a path
// Tesseract can read. Formats leptonica may lack (webp, gif) are re-encoded
// as PNG next to the original, inside the same job directory.
func PrepareImage(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	_, format, err := image.DecodeConfig(f)
	if err != nil {
		return "", fmt.Errorf("unrecognized image: %w", err)
	}
	if nativeFormats[format] {
		return path, nil
	}

	if _, err := f.Seek(0, 0); err != nil {
		return "", fmt.Errorf("rewind image: %w", err)
	}
	img, _, err := image.Decode(f)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", format, err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode png: %w", err)
	}
	out := path + ".png"
	if err := artifacts.WriteFile(out, buf.Bytes()); err != nil {
		return "", err
	}
	return out, nil
}
