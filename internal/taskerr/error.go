// Package taskerr はタスク処理中に発生するエラーの分類を提供します。
package taskerr

import (
	"errors"
	"fmt"
)

// Kind はエラーの分類です。
type Kind string

const (
	KindValidation Kind = "validation"
	KindNetwork    Kind = "network"
	KindProtocol   Kind = "protocol"
	KindRemote     Kind = "remote_processing"
	KindAbandoned  Kind = "abandoned"
)

// エラーコード
const (
	CodeNoFileSelected       = "NO_FILE_SELECTED"
	CodeFileTooLarge         = "FILE_TOO_LARGE"
	CodeNotAnImage           = "NOT_AN_IMAGE"
	CodeBlockSizeOutOfRange  = "BLOCK_SIZE_OUT_OF_RANGE"
	CodeUnsupportedFilter    = "UNSUPPORTED_FILTER"
	CodeNetwork              = "NETWORK_ERROR"
	CodeMalformedResponse    = "MALFORMED_RESPONSE"
	CodeUnexpectedStatus     = "UNEXPECTED_STATUS"
	CodeUnexpectedHTTPStatus = "UNEXPECTED_HTTP_STATUS"
	CodeDoneWithoutOutcome   = "DONE_WITHOUT_OUTCOME"
	CodeFeedEnded            = "PROGRESS_FEED_ENDED"
	CodeEncodingFailed       = "ENCODING_FAILED"
	CodeRemoteProcessing     = "REMOTE_PROCESSING_ERROR"
	CodeInternal             = "INTERNAL_ERROR"
	CodeAbandoned            = "TASK_ABANDONED"
)

// Error は分類付きのエラーです。
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation は入力検証エラーを作成します。
func Validation(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

// Network は通信エラーを作成します。
func Network(err error) *Error {
	return &Error{Kind: KindNetwork, Code: CodeNetwork, Message: "サーバーとの通信に失敗しました", Err: err}
}

// Protocol は想定外の応答を表すエラーを作成します。
func Protocol(code, message string, err error) *Error {
	return &Error{Kind: KindProtocol, Code: code, Message: message, Err: err}
}

// Remote はサーバー側の処理失敗を表すエラーを作成します。
func Remote(message string) *Error {
	return &Error{Kind: KindRemote, Code: CodeRemoteProcessing, Message: message}
}

// Abandoned は完了前に破棄されたタスクを表すエラーを作成します。
func Abandoned() *Error {
	return &Error{Kind: KindAbandoned, Code: CodeAbandoned, Message: "タスクは完了前に中断されました。"}
}

// From は err を *Error に変換します。分類のないエラーは内部エラーとして扱います。
func From(err error) *Error {
	if err == nil {
		return nil
	}
	if te, ok := As(err); ok {
		return te
	}
	return &Error{Kind: KindProtocol, Code: CodeInternal, Message: "予期しないエラーが発生しました。", Err: err}
}

// As は err から *Error を取り出します。
func As(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// KindOf は err の分類を返します。分類がない場合は空文字を返します。
func KindOf(err error) Kind {
	if te, ok := As(err); ok {
		return te.Kind
	}
	return ""
}

// IsValidation は err が入力検証エラーかどうかを返します。
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}
