package upload

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/yourusername/dispix-web/internal/taskerr"
)

// Encode は画像を base64 の data URL に変換します。
func Encode(ctx context.Context, f File) (*EncodedImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(f.Data) == 0 {
		return nil, taskerr.Protocol(taskerr.CodeEncodingFailed, "エンコードする画像がありません。", nil)
	}

	mime := mimetype.Detect(f.Data).String()
	// "image/png; charset=..." のような付加情報は data URL に含めない
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}

	var b strings.Builder
	b.Grow(len("data:;base64,") + len(mime) + base64.StdEncoding.EncodedLen(len(f.Data)))
	b.WriteString("data:")
	b.WriteString(mime)
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(f.Data))

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &EncodedImage{MIME: mime, DataURL: b.String()}, nil
}
