// Package upload はアップロードフォームの入力検証と画像のエンコードを提供します。
package upload

// Filter は画像に適用するフィルターの種類です。
type Filter string

const (
	FilterNegative Filter = "negative"
	FilterBlur     Filter = "blur"
	FilterPixelate Filter = "pixelate"
)

// ブロックサイズの許容範囲（両端を含む）
const (
	MinBlockSize = 1
	MaxBlockSize = 1024
)

// SupportedFilters はバックエンドが受け付けるフィルターの一覧を返します。
func SupportedFilters() []Filter {
	return []Filter{FilterNegative, FilterBlur, FilterPixelate}
}

// File はユーザーが選択した画像ファイルです。
type File struct {
	Name string
	Data []byte
}

// Input はフォームから受け取った未検証の入力です。
type Input struct {
	File      *File  // nil はファイル未選択
	Filter    string
	BlockSize string // 空文字は未指定
}

// Request は検証済みの送信内容です。
type Request struct {
	File      File
	MIME      string
	BlockSize *int   `validate:"omitempty,min=1,max=1024"`
	Filter    Filter `validate:"required,oneof=negative blur pixelate"`
}

// EncodedImage は送信可能な形式にエンコードされた画像です。
type EncodedImage struct {
	MIME    string
	DataURL string
}
