package rec

import "errors"

// ErrFormat is returned when a raw recording or its description cannot be
// understood: missing or malformed sidecar keys, declared channels that are
// not present in the recording, or runs that disagree on channel count,
// sample rate, or sample encoding.
var ErrFormat = errors.New("unreadable recording format")

// ErrCorruptRecording is returned when recorded data is structurally
// inconsistent: a multiplexed file whose size is not a whole number of
// frames, separated channels of unequal length, or a consolidated recording
// that does not match its expected size.
var ErrCorruptRecording = errors.New("corrupt recording")

// ErrPowerlineCalibration is returned when the number of detected powerline
// trigger edges deviates from the count expected for the run duration by
// more than the tolerance.
var ErrPowerlineCalibration = errors.New("powerline trigger calibration failed")

// ErrUnknownEventProcessor is returned when an event declaration names a
// kind that no processor is bound to.
var ErrUnknownEventProcessor = errors.New("unknown event processor")

// ErrAlreadyExists is returned when an output artifact or scratch file is
// already present and neither overwrite nor append was requested.
var ErrAlreadyExists = errors.New("output already exists")

// ErrResumeState is returned when a resume descriptor is unreadable, has an
// unsupported version, or references staged state that is no longer intact.
var ErrResumeState = errors.New("invalid resume state")
