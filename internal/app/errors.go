package app

import "errors"

// Submission and payment outcomes the transport layer turns into user-facing
// replies. Every rejection that happens before the model is called leaves the
// balance untouched.
var (
	// ErrDuplicateSubmission marks a redelivered photo update; it was either
	// already processed or is being processed right now.
	ErrDuplicateSubmission = errors.New("duplicate submission")
	// ErrNoContext rejects a photo sent before /new set an object context.
	ErrNoContext = errors.New("no context set")
	// ErrNoBalance rejects a photo when the balance cannot cover one analysis.
	ErrNoBalance = errors.New("insufficient balance")
	// ErrAnalysisUnavailable is a transient model failure after retries.
	ErrAnalysisUnavailable = errors.New("analysis unavailable")
	// ErrAnalysisParse means the model answered but no verdict could be read.
	ErrAnalysisParse = errors.New("analysis response unreadable")
	// ErrPersistFailed means the report row or photo archive write failed;
	// the analysis is not charged.
	ErrPersistFailed = errors.New("report persist failed")
	// ErrUnknownPackage rejects a purchase for a package key not on offer.
	ErrUnknownPackage = errors.New("unknown credit package")
	// ErrInvalidSignature rejects a payment notification with a bad token.
	ErrInvalidSignature = errors.New("invalid notification signature")
)
