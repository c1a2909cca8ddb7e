package api

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
)

// RemoteErrors は Rally が返した構造化エラーリストです
type RemoteErrors struct {
	Op     string
	Errors []string
}

func (e *RemoteErrors) Error() string {
	return fmt.Sprintf("%s 失敗: %s", e.Op, strings.Join(e.Errors, "; "))
}

// StatusError は 2xx 以外の HTTP ステータスです
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// TransportError は接続やタイムアウトなど送信自体の失敗です
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("リクエスト送信エラー %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRemoteError は構造化エラーリストかどうかを返します
func IsRemoteError(err error) bool {
	var re *RemoteErrors
	return stderrors.As(err, &re)
}

// IsTransient は再試行で回復し得るエラーかどうかを返します
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsRemoteError(err) {
		return true
	}
	var se *StatusError
	if stderrors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	var te *TransportError
	if stderrors.As(err, &te) {
		// 呼び出し元のキャンセルは再試行しない
		return !stderrors.Is(te.Err, context.Canceled)
	}
	return false
}
