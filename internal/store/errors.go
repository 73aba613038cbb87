package store

import "errors"

var (
	ErrNotFound      = errors.New("record not found")
	ErrEmptyKey      = errors.New("blob key is required")
	ErrInvalidEntity = errors.New("invalid entity")
)
