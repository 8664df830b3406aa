package build

import "errors"

var (
	ErrBuild               = errors.New("build failed")
	ErrResolve             = errors.New("resolution failed")
	ErrFileSystemOperation = errors.New("file system operation failed")
	ErrStageFailed         = errors.New("stage failed")
)
