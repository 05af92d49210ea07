package main

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"golang.org/x/image/bmp"
)

// testImage is a 2x2 image with a little color so encoders have content
func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	img.Set(1, 1, color.RGBA{B: 255, A: 255})
	return img
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, testImage()); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func bmpBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := bmp.Encode(&buf, testImage()); err != nil {
		t.Fatalf("encode bmp: %v", err)
	}
	return buf.Bytes()
}

func TestEncodeImage_PNG(t *testing.T) {
	data := pngBytes(t)

	got, err := EncodeImage(bytes.NewReader(data), 1<<20)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
	if got != want {
		t.Errorf("unexpected data URL prefix %q", got[:min(len(got), 40)])
	}
}

func TestEncodeImage_BMP(t *testing.T) {
	got, err := EncodeImage(bytes.NewReader(bmpBytes(t)), 1<<20)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.HasPrefix(got, "data:image/bmp;base64,") {
		t.Errorf("expected a bmp data URL, got %q", got[:min(len(got), 40)])
	}
}

func TestEncodeImage_Rejects(t *testing.T) {
	valid := pngBytes(t)
	corrupt := append([]byte{}, valid[:16]...) // valid signature, truncated header

	tests := []struct {
		name string
		data []byte
		max  int64
	}{
		{"empty", nil, 1 << 20},
		{"not an image", []byte("hello, this is a text file"), 1 << 20},
		{"truncated png", corrupt, 1 << 20},
		{"too large", valid, int64(len(valid) - 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeImage(bytes.NewReader(tt.data), tt.max)
			if !errors.Is(err, ErrImageDecode) {
				t.Errorf("expected ErrImageDecode, got %v", err)
			}
		})
	}
}

func TestEncodeImage_ExactlyAtLimit(t *testing.T) {
	data := pngBytes(t)
	if _, err := EncodeImage(bytes.NewReader(data), int64(len(data))); err != nil {
		t.Errorf("expected a file exactly at the limit to pass, got %v", err)
	}
}

func TestValidateDataURL(t *testing.T) {
	data := pngBytes(t)
	encoded := base64.StdEncoding.EncodeToString(data)

	// A wrong declared type is corrected from the content
	got, err := ValidateDataURL("data:image/jpeg;base64,"+encoded, 1<<20)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got != "data:image/png;base64,"+encoded {
		t.Errorf("expected MIME type corrected to png, got %q", got[:min(len(got), 40)])
	}
}

func TestValidateDataURL_Rejects(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString(pngBytes(t))

	tests := []struct {
		name string
		url  string
		max  int64
	}{
		{"not a data url", "https://example.com/cat.png", 1 << 20},
		{"not base64", "data:image/png," + encoded, 1 << 20},
		{"bad base64", "data:image/png;base64,@@@@", 1 << 20},
		{"not an image", "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte("hello")), 1 << 20},
		{"too large", "data:image/png;base64," + encoded, 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateDataURL(tt.url, tt.max)
			if !errors.Is(err, ErrImageDecode) {
				t.Errorf("expected ErrImageDecode, got %v", err)
			}
		})
	}
}
