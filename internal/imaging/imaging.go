package imaging

// Format 标识嗅探出的图片编码格式。
type Format string

const (
	FormatUnknown Format = ""
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatGIF     Format = "gif"
	FormatWebP    Format = "webp"
	FormatHEIC    Format = "heic"
	FormatTIFF    Format = "tiff"
	FormatBMP     Format = "bmp"
)

// ContentType 返回格式对应的 MIME 类型，未知格式退回 octet-stream。
func (f Format) ContentType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	case FormatGIF:
		return "image/gif"
	case FormatWebP:
		return "image/webp"
	case FormatHEIC:
		return "image/heic"
	case FormatTIFF:
		return "image/tiff"
	case FormatBMP:
		return "image/bmp"
	}
	return "application/octet-stream"
}

// bytesPerPixel 按 RGBA 估算，成本核算不追求逐格式精确。
const bytesPerPixel = 4

// Image 是解码后的图片描述：几何信息 + 原始编码字节。
// 内存层用它计算成本，磁盘层只持久化 Data。
type Image struct {
	Width      int
	Height     int
	Scale      float64
	FrameCount int
	Format     Format
	Data       []byte
}

// Cost 返回该图片在内存层的计费成本：
//
//	width × height × scale² × bytesPerPixel × frameCount
//
// 几何信息缺失时（例如解码器不认识该格式）退回编码字节长度，
// 保证条目永远不会以零成本驻留。
func (img *Image) Cost() uint64 {
	if img == nil {
		return 0
	}
	if img.Width <= 0 || img.Height <= 0 {
		return uint64(len(img.Data))
	}
	scale := img.Scale
	if scale <= 0 {
		scale = 1
	}
	frames := img.FrameCount
	if frames < 1 {
		frames = 1
	}
	pixels := float64(img.Width) * float64(img.Height) * scale * scale
	return uint64(pixels * bytesPerPixel * float64(frames))
}
