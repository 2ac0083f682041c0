package manifest

import "errors"

var (
	ErrInvalidRecipe = errors.New("invalid recipe")
	ErrDecode        = errors.New("recipe decode failed")
)
