package media

import "errors"

// Sentinel errors for fragment construction and the blob codec.
var (
	ErrNotKeyFrame        = errors.New("kestrel: fragment must start with a key frame")
	ErrUnexpectedKeyFrame = errors.New("kestrel: key frame appended mid-fragment")
	ErrEmptyFragment      = errors.New("kestrel: fragment holds no frames")
	ErrTimestampOrder     = errors.New("kestrel: frame timestamps must be non-decreasing")
	ErrFragmentCorrupted  = errors.New("kestrel: fragment blob corrupted")
)
