package storage

import "errors"

var (
	ErrPersistence   = errors.New("record store write failed")
	ErrOrderNotFound = errors.New("order not found")
	ErrClosed        = errors.New("store closed")
)
