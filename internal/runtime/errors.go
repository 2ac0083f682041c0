package runtime

import "errors"

var (
	ErrRuntime        = errors.New("runtime error")
	ErrBaseNotFound   = errors.New("base environment not found")
	ErrEmptyArchive   = errors.New("archive contains no images")
	ErrMultipleImages = errors.New("archive contains multiple images")
	ErrEmptyIndex     = errors.New("empty image index")
)
