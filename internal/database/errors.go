package database

import "errors"

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("database write timed out")
	ErrInvalidLevel  = errors.New("membership level must be view, edit or admin")
)
