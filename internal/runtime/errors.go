package runtime

import "errors"

var (
	ErrRuntime        = errors.New("runtime error")
	ErrResolve        = errors.New("base image resolution failed")
	ErrEmptyArchive   = errors.New("archive contains no images")
	ErrMultipleImages = errors.New("archive contains more than one image")
	ErrEmptyIndex     = errors.New("empty image index")
	ErrCommandFailed  = errors.New("command exited with non-zero status")
)
