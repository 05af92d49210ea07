package main

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"io"
	"strings"

	// Decoders register themselves with the image package on import
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// imageMIMETypes maps the format names the decoders register to MIME types
var imageMIMETypes = map[string]string{
	"png":  "image/png",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"bmp":  "image/bmp",
	"tiff": "image/tiff",
	"webp": "image/webp",
}

// EncodeImage reads an uploaded file and returns it as a self-contained
// data URL ("data:image/png;base64,...").
// The bytes must decode as one of the registered image formats, and the file
// must not exceed maxBytes. Every failure wraps ErrImageDecode.
func EncodeImage(r io.Reader, maxBytes int64) (string, error) {
	// Read one byte past the limit so an oversized file is detectable
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("%w: read upload: %w", ErrImageDecode, err)
	}
	if int64(len(data)) > maxBytes {
		return "", fmt.Errorf("%w: file larger than %d bytes", ErrImageDecode, maxBytes)
	}
	return encodeImageBytes(data)
}

// ValidateDataURL checks a data URL sent by a client that already did the
// encoding. It applies the same checks as EncodeImage and returns the URL
// re-encoded with the MIME type of the actual content.
func ValidateDataURL(dataURL string, maxBytes int64) (string, error) {
	rest, ok := strings.CutPrefix(dataURL, "data:")
	if !ok {
		return "", fmt.Errorf("%w: not a data URL", ErrImageDecode)
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return "", fmt.Errorf("%w: only base64 data URLs are accepted", ErrImageDecode)
	}
	if int64(base64.StdEncoding.DecodedLen(len(payload))) > maxBytes+2 {
		return "", fmt.Errorf("%w: image larger than %d bytes", ErrImageDecode, maxBytes)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: bad base64 payload: %w", ErrImageDecode, err)
	}
	if int64(len(data)) > maxBytes {
		return "", fmt.Errorf("%w: image larger than %d bytes", ErrImageDecode, maxBytes)
	}
	return encodeImageBytes(data)
}

func encodeImageBytes(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty file", ErrImageDecode)
	}

	// DecodeConfig only parses the header, enough to know the format is real
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrImageDecode, err)
	}
	mime, ok := imageMIMETypes[format]
	if !ok {
		return "", fmt.Errorf("%w: unsupported format %q", ErrImageDecode, format)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
