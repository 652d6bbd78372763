package upload

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"

	"github.com/yourusername/dispix-web/internal/taskerr"
)

// Validator はフォーム入力を検証します。ネットワークアクセスは行いません。
type Validator struct {
	validate *validator.Validate
	maxBytes int64
}

// NewValidator は Validator を作成します。maxBytes が0以下の場合はサイズ上限を設けません。
func NewValidator(maxBytes int64) *Validator {
	return &Validator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		maxBytes: maxBytes,
	}
}

// Validate は入力を検証し、送信可能な Request を返します。
func (v *Validator) Validate(in Input) (*Request, error) {
	if in.File == nil || len(in.File.Data) == 0 {
		return nil, taskerr.Validation(taskerr.CodeNoFileSelected, "画像ファイルを選択してください。")
	}
	if v.maxBytes > 0 && int64(len(in.File.Data)) > v.maxBytes {
		return nil, taskerr.Validation(taskerr.CodeFileTooLarge,
			fmt.Sprintf("ファイルサイズが上限（%dバイト）を超えています。", v.maxBytes))
	}

	mtype := mimetype.Detect(in.File.Data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return nil, taskerr.Validation(taskerr.CodeNotAnImage, "画像ファイルを選択してください。")
	}

	blockSize, err := parseBlockSize(in.BlockSize)
	if err != nil {
		return nil, err
	}

	req := &Request{
		File:      *in.File,
		MIME:      mtype.String(),
		Filter:    Filter(strings.TrimSpace(in.Filter)),
		BlockSize: blockSize,
	}
	if err := v.validate.Struct(req); err != nil {
		return nil, translateValidationError(err)
	}
	return req, nil
}

func parseBlockSize(raw string) (*int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, blockSizeError()
	}
	return &n, nil
}

func translateValidationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	switch fieldErrs[0].Field() {
	case "BlockSize":
		return blockSizeError()
	case "Filter":
		return taskerr.Validation(taskerr.CodeUnsupportedFilter, "対応していないフィルターです。")
	default:
		return taskerr.Validation("INVALID_INPUT", err.Error())
	}
}

func blockSizeError() error {
	return taskerr.Validation(taskerr.CodeBlockSizeOutOfRange,
		fmt.Sprintf("ブロックサイズは %d〜%d の整数で指定してください。", MinBlockSize, MaxBlockSize))
}
