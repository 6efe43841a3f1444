package relaynote

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrNotebookRoot   = errors.New("invalid notebook root")
	ErrNotebookLocked = errors.New("notebook locked")
	ErrEntryExists    = errors.New("entry exists")
	ErrNotImplemented = errors.New("not implemented")
)
