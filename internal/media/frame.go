package media

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
)

// EncodeJPEG encodes img at the given quality (1-100)
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// DataURL wraps a JPEG payload as a base64 data URL, the form the face
// detection endpoint expects.
func DataURL(jpegBytes []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpegBytes)
}

// SnapshotDataURL grabs the current frame from h and returns it as a JPEG
// data URL.
func SnapshotDataURL(h *Handle, quality int) (string, error) {
	frame, err := h.Frame()
	if err != nil {
		return "", err
	}
	encoded, err := EncodeJPEG(frame, quality)
	if err != nil {
		return "", err
	}
	return DataURL(encoded), nil
}
