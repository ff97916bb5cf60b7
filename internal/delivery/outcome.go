package delivery

import "time"

// Outcome is what the inbound surface renders for the viewer.
type Outcome int

const (
	OutcomeAdIssued Outcome = iota + 1
	OutcomeDelivered
	OutcomeRetry
	OutcomeStartOver
	OutcomeUnavailable
	OutcomeTryLater
	OutcomeRateLimited
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdIssued:
		return "ad_issued"
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRetry:
		return "retry"
	case OutcomeStartOver:
		return "start_over"
	case OutcomeUnavailable:
		return "unavailable"
	case OutcomeTryLater:
		return "try_later"
	case OutcomeRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Message is the short text shown to the viewer. It never carries internal
// error detail.
func (o Outcome) Message() string {
	switch o {
	case OutcomeAdIssued:
		return "Watch the short ad to unlock your video."
	case OutcomeDelivered:
		return "Enjoy your video!"
	case OutcomeRetry:
		return "Something went wrong. Please try again."
	case OutcomeStartOver:
		return "This link is no longer valid. Please request the video again."
	case OutcomeUnavailable:
		return "This video is no longer available."
	case OutcomeTryLater:
		return "The service is busy right now. Please try again later."
	case OutcomeRateLimited:
		return "Too many requests. Please wait a moment."
	default:
		return "Something went wrong."
	}
}

// Success reports whether the viewer's request moved forward.
func (o Outcome) Success() bool {
	return o == OutcomeAdIssued || o == OutcomeDelivered
}

// Result is returned by every orchestrator entry point.
type Result struct {
	Outcome Outcome
	UserID  int64
	VideoID string

	// Set when an ad was issued.
	Token     string
	AdID      string
	AdURL     string
	ExpiresAt time.Time

	// MessageIDs lists what was posted to the viewer's chat.
	MessageIDs []int64
	// Resendable is set when the grant was verified but the send failed, so
	// Resend can deliver without another ad view.
	Resendable bool
	RetryAfter time.Duration
}

// Message is a shortcut for r.Outcome.Message().
func (r Result) Message() string {
	return r.Outcome.Message()
}
