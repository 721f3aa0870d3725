package frames

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// QRDecoder decodes QR codes with the ZXing port.
type QRDecoder struct {
	// TryHarder trades speed for accuracy.
	TryHarder bool
}

// NewQRDecoder returns a decoder with TryHarder enabled.
func NewQRDecoder() *QRDecoder {
	return &QRDecoder{TryHarder: true}
}

// Decode implements Decoder.
func (d *QRDecoder) Decode(ctx context.Context, frame Frame) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	img, _, err := image.Decode(bytes.NewReader(frame.Data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", fmt.Errorf("binarize: %w", err)
	}

	var hints map[gozxing.DecodeHintType]interface{}
	if d.TryHarder {
		hints = map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_TRY_HARDER: true,
		}
	}
	res, err := qrcode.NewQRCodeReader().Decode(bmp, hints)
	if err != nil {
		if _, ok := err.(gozxing.ReaderException); ok {
			return "", fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return "", err
	}
	return res.GetText(), nil
}
