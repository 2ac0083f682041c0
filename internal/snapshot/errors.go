package snapshot

import "errors"

var (
	ErrNotFound         = errors.New("snapshot not found")
	ErrAlreadyPublished = errors.New("snapshot already published")
	ErrStore            = errors.New("snapshot store error")
)
