package sync

import "time"

// Reason says why a pass was attempted. It is carried through to the
// outcome for observers and never changes reconciliation.
type Reason string

const (
	ReasonStartup       Reason = "startup"
	ReasonManual        Reason = "manual"
	ReasonScheduled     Reason = "scheduled"
	ReasonDataChanged   Reason = "data_changed"
	ReasonConfigUpdated Reason = "config_updated"
)

// Outcome statuses.
const (
	StatusSuccess = "success"
	StatusSkipped = "skipped"
	StatusError   = "error"
)

// Skip reasons.
const (
	SkipAlreadyRunning       = "sync_already_running"
	SkipMissingConfiguration = "missing_configuration"
)

// Summary counts what one pass changed.
type Summary struct {
	// Created counts remote items materialised as new local records.
	Created int `json:"created"`

	// Updated counts local records changed from remote content, including
	// adoption of the remote copy after a precondition failure.
	Updated int `json:"updated"`

	// Pushed counts records created or updated on the server.
	Pushed int `json:"pushed"`

	// Deleted counts confirmed tombstones plus records removed because
	// they disappeared from the server.
	Deleted int `json:"deleted"`

	SyncedAt time.Time `json:"synced_at"`
}

// IsZero reports whether the pass changed nothing.
func (s *Summary) IsZero() bool {
	return s.Created == 0 && s.Updated == 0 && s.Pushed == 0 && s.Deleted == 0
}

// Outcome is the result of one attempt as delivered to observers.
type Outcome struct {
	Status   string     `json:"status"`
	SyncedAt *time.Time `json:"synced_at,omitempty"`
	Created  int        `json:"created"`
	Updated  int        `json:"updated"`
	Pushed   int        `json:"pushed"`
	Deleted  int        `json:"deleted"`

	// Reason is the skip reason when Status is StatusSkipped.
	Reason string `json:"reason,omitempty"`

	// Message is the error text when Status is StatusError.
	Message string `json:"message,omitempty"`
}

// Success builds a success outcome from a summary.
func Success(s *Summary) Outcome {
	at := s.SyncedAt
	return Outcome{
		Status:   StatusSuccess,
		SyncedAt: &at,
		Created:  s.Created,
		Updated:  s.Updated,
		Pushed:   s.Pushed,
		Deleted:  s.Deleted,
	}
}

// Skipped builds a skip outcome.
func Skipped(reason string) Outcome {
	return Outcome{Status: StatusSkipped, Reason: reason}
}

// Failed builds an error outcome.
func Failed(err error) Outcome {
	return Outcome{Status: StatusError, Message: err.Error()}
}

// Event pairs an outcome with the reason the attempt was made.
type Event struct {
	Reason  Reason    `json:"reason"`
	Outcome Outcome   `json:"outcome"`
	At      time.Time `json:"at"`
}
