package imaging

import "bytes"

// Sniff 通过文件头魔数识别编码格式，永不信任扩展名或响应头。
func Sniff(data []byte) Format {
	if len(data) < 4 {
		return FormatUnknown
	}

	switch data[0] {
	case 0xFF:
		if len(data) >= 3 && data[1] == 0xD8 && data[2] == 0xFF {
			return FormatJPEG
		}
	case 0x89:
		if bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")) {
			return FormatPNG
		}
	case 'G':
		if bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")) {
			return FormatGIF
		}
	case 'R':
		// RIFF....WEBP
		if len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")) {
			return FormatWebP
		}
	case 'B':
		if data[1] == 'M' {
			return FormatBMP
		}
	case 0x49:
		if bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}) {
			return FormatTIFF
		}
	case 0x4D:
		if bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}) {
			return FormatTIFF
		}
	}

	// ISO BMFF：前 4 字节是 box 长度，紧跟 "ftyp" 与 heic/heix/mif1 等 brand。
	if len(data) >= 12 && bytes.Equal(data[4:8], []byte("ftyp")) {
		brand := string(data[8:12])
		switch brand {
		case "heic", "heix", "hevc", "hevx", "mif1", "msf1":
			return FormatHEIC
		}
	}

	return FormatUnknown
}
