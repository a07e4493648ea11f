package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation      = errors.New("validation error")
	ErrComposition     = fmt.Errorf("%w: composition failed", ErrValidation)
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInvalidSnapshot = errors.New("invalid payload snapshot")
)
