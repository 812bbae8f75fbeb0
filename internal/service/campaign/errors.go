package campaign

import "errors"

// Sentinel errors for the campaign service layer.
var (
	ErrNotFound       = errors.New("campaign not found")
	ErrNoRecipients   = errors.New("no matching recipients")
	ErrCannotCancel   = errors.New("only scheduled campaigns can be cancelled")
	ErrMissingSubject = errors.New("subject is required")
	ErrMissingContent = errors.New("html content is required")
	ErrScheduleInPast = errors.New("scheduled time must be in the future")
)
