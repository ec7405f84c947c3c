package recognition

import "errors"

var (
	// ErrFaceTooSmall means the detected face box is below the configured
	// minimum edge length.
	ErrFaceTooSmall = errors.New("face too small")
	// ErrFaceTooLarge means the detected face box exceeds the configured
	// maximum edge length.
	ErrFaceTooLarge = errors.New("face too large")
	// ErrLowQuality means the detection score is below the enrollment
	// quality floor.
	ErrLowQuality = errors.New("face quality too low")
	// ErrNoMatch means identification completed but nothing was within the
	// operating threshold.
	ErrNoMatch = errors.New("no match")
)
