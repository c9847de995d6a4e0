package service

import (
	"errors"
	"fmt"
)

// カスタムエラー定義
var (
	ErrValidation     = errors.New("validation failed")
	ErrUnknownCommand = errors.New("unknown command")
	ErrForbidden      = errors.New("forbidden: identity mismatch")
	ErrNotInRoom      = errors.New("connection is not in a room")
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
