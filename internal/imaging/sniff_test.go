package imaging

import "testing"

func TestSniffKnownFormats(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want Format
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F'}, FormatJPEG},
		{"png", []byte("\x89PNG\r\n\x1a\n and then chunks"), FormatPNG},
		{"gif87", []byte("GIF87a trailing"), FormatGIF},
		{"gif89", []byte("GIF89a trailing"), FormatGIF},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), FormatWebP},
		{"bmp", []byte("BM\x00\x00\x00\x00"), FormatBMP},
		{"tiff-le", []byte{0x49, 0x49, 0x2A, 0x00, 0x01}, FormatTIFF},
		{"tiff-be", []byte{0x4D, 0x4D, 0x00, 0x2A, 0x01}, FormatTIFF},
		{"heic", []byte("\x00\x00\x00\x18ftypheic\x00\x00\x00\x00"), FormatHEIC},
		{"mif1", []byte("\x00\x00\x00\x18ftypmif1\x00\x00\x00\x00"), FormatHEIC},
	}

	for _, tc := range cases {
		if got := Sniff(tc.data); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestSniffRejectsGarbage(t *testing.T) {
	if got := Sniff([]byte("not an image at all")); got != FormatUnknown {
		t.Fatalf("expected unknown format, got %q", got)
	}
	if got := Sniff(nil); got != FormatUnknown {
		t.Fatalf("nil payload should sniff as unknown, got %q", got)
	}
	if got := Sniff([]byte{0xFF}); got != FormatUnknown {
		t.Fatalf("short payload should sniff as unknown, got %q", got)
	}
}

func TestFormatContentType(t *testing.T) {
	if ct := FormatPNG.ContentType(); ct != "image/png" {
		t.Fatalf("unexpected content type: %s", ct)
	}
	if ct := FormatUnknown.ContentType(); ct != "application/octet-stream" {
		t.Fatalf("unknown format should map to octet-stream, got %s", ct)
	}
}
