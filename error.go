package dmacache

import "fmt"

type constError string

// ErrNilUnmap may be returned from [New].
const ErrNilUnmap = constError("nil unmap function")

// ErrInvalidPageShift may be returned from [New].
const ErrInvalidPageShift = constError("invalid page shift")

func (errStr constError) Error() string { return string(errStr) }

func nilUnmapError() error {
	return fmt.Errorf(
		"%w: Config.Unmap is required",
		ErrNilUnmap)
}

func pageShiftError(shift uint) error {
	return fmt.Errorf(
		"%w: must be in [1,63] but %d was requested",
		ErrInvalidPageShift, shift)
}
