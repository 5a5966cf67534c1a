package app

import "errors"

var (
	// ErrAuthFailure is returned when the provider ID token cannot be
	// verified. The message is safe to show to end users.
	ErrAuthFailure = errors.New("sign-in failed")

	ErrDuplicateName = errors.New("a room with this name already exists")
	ErrInvalidCode   = errors.New("access code must be exactly 4 characters")
	ErrIncorrectCode = errors.New("incorrect access code")
	ErrRoomNotFound  = errors.New("room not found")

	// ErrRoomAccessDenied is returned when a user touches a private
	// room's message channel without having joined it.
	ErrRoomAccessDenied = errors.New("join the room first")

	ErrEmptyMessage     = errors.New("message needs text or an image")
	ErrUnsupportedImage = errors.New("attachment must be an image")
	ErrUploadFailed     = errors.New("image upload failed")

	ErrTooManyCodeAttempts = errors.New("too many code attempts, try again later")
)
