package domain

import "errors"

// Sentinel errors shared by adapters. Callers match them with errors.Is.
var (
	// ErrPermissionDenied means the user refused camera, microphone or screen capture
	ErrPermissionDenied = errors.New("media permission denied")
	// ErrDeviceUnavailable means a capture device is missing or busy
	ErrDeviceUnavailable = errors.New("media device unavailable")
	// ErrRecordNotFound means the signaling record no longer exists
	ErrRecordNotFound = errors.New("call record not found")
	// ErrFileTooLarge means an attachment exceeds the upload cap
	ErrFileTooLarge = errors.New("file too large")
)
