package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"

	_ "image/jpeg"
	_ "image/png"
)

// ErrDecode 表示字节已经到手但解码器拒绝解析。
var ErrDecode = errors.New("image decode failed")

// Decoder 是解码插件点。默认实现只解析图片头部（几何信息），
// 完整像素解码由上层应用按需接入自己的 Decoder。
type Decoder interface {
	Decode(data []byte, scale float64) (*Image, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(data []byte, scale float64) (*Image, error)

// Decode makes DecoderFunc satisfy Decoder.
func (f DecoderFunc) Decode(data []byte, scale float64) (*Image, error) {
	return f(data, scale)
}

// StdDecoder 基于标准库的头部解码器：jpeg/png/gif 解析出宽高，
// gif 额外统计帧数；其余已识别格式保留格式标签、几何留空
// （成本核算退回字节长度）。
type StdDecoder struct{}

// Decode 实现 Decoder。完全无法识别的字节返回 ErrDecode。
func (StdDecoder) Decode(data []byte, scale float64) (*Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	if scale <= 0 {
		scale = 1
	}

	format := Sniff(data)
	img := &Image{
		Scale:      scale,
		FrameCount: 1,
		Format:     format,
		Data:       data,
	}

	switch format {
	case FormatJPEG, FormatPNG:
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		img.Width = cfg.Width
		img.Height = cfg.Height
	case FormatGIF:
		decoded, err := gif.DecodeAll(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		img.Width = decoded.Config.Width
		img.Height = decoded.Config.Height
		img.FrameCount = len(decoded.Image)
	case FormatUnknown:
		return nil, fmt.Errorf("%w: unrecognized payload", ErrDecode)
	}

	return img, nil
}
