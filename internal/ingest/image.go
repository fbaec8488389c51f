package ingest

import (
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"os/exec"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// normalizeImage converts exotic image formats to JPEG so the extraction
// worker can hand any page to the model with a mime type it accepts.
//
// JPEG/PNG pass through untouched. HEIC/HEIF go through the heif-convert
// binary. GIF/BMP/TIFF/WebP are decoded with Go decoders and re-encoded.
func normalizeImage(localFile, ext, heifConvertPath string) (string, string, func(), error) {
	switch ext {
	case ".jpg", ".jpeg":
		return localFile, "image/jpeg", nil, nil
	case ".png":
		return localFile, "image/png", nil, nil

	case ".heic", ".heif":
		outPath := strings.TrimSuffix(localFile, ext) + ".jpg"
		cmd := exec.Command(heifConvertPath, localFile, outPath)
		if output, err := cmd.CombinedOutput(); err != nil {
			return "", "", nil, fmt.Errorf("heif-convert: %w (%s)", err, string(output))
		}
		return outPath, "image/jpeg", func() { os.Remove(outPath) }, nil

	case ".gif", ".bmp", ".tiff", ".tif", ".webp":
		f, err := os.Open(localFile)
		if err != nil {
			return "", "", nil, fmt.Errorf("open %s: %w", ext, err)
		}
		defer f.Close()

		img, _, err := image.Decode(f)
		if err != nil {
			return "", "", nil, fmt.Errorf("decode %s: %w", ext, err)
		}

		outPath := strings.TrimSuffix(localFile, ext) + ".jpg"
		out, err := os.Create(outPath)
		if err != nil {
			return "", "", nil, fmt.Errorf("create output: %w", err)
		}
		if err := jpeg.Encode(out, img, &jpeg.Options{Quality: 90}); err != nil {
			out.Close()
			os.Remove(outPath)
			return "", "", nil, fmt.Errorf("encode jpeg: %w", err)
		}
		out.Close()
		return outPath, "image/jpeg", func() { os.Remove(outPath) }, nil

	default:
		return localFile, "image/jpeg", nil, nil
	}
}
