package app

import "errors"

var (
	// ErrProfileFetch indicates the identity-profile API call failed; no user
	// row is fabricated in that case.
	ErrProfileFetch = errors.New("profile fetch failed")
	// ErrIdentityStore indicates a relational store read or write failed.
	ErrIdentityStore = errors.New("identity store failed")
	// ErrTalkStore indicates a document store read or write failed.
	ErrTalkStore = errors.New("talk store failed")
	// ErrSummaryStale indicates the event is durably in the timeline but the
	// summary card was not refreshed. Recoverable: the delivery is retried and
	// the LWW summary update converges; the event is never rolled back.
	ErrSummaryStale = errors.New("summary card stale after event append")
)
