package gerrit

// Event represents one line of Gerrit stream-events output. Only the fields
// the bot reacts to are modeled; unrecognized event types carry a Type and
// nothing else, and are ignored.
type Event struct {
	Type           string    `json:"type"`
	Change         *Change   `json:"change,omitempty"`
	PatchSet       *PatchSet `json:"patchSet,omitempty"`
	Reviewer       *Account  `json:"reviewer,omitempty"`
	EventCreatedOn int64     `json:"eventCreatedOn"`
}

// TypeReviewerAdded is the stream event emitted when an account is added to
// a change's reviewer list. It is the only event type the bot dispatches.
const TypeReviewerAdded = "reviewer-added"

// Change carries change-level fields of a stream event.
type Change struct {
	Project string   `json:"project"`
	Branch  string   `json:"branch"`
	Number  int      `json:"number"`
	Subject string   `json:"subject"`
	Owner   *Account `json:"owner,omitempty"`
	URL     string   `json:"url,omitempty"`
}

// PatchSet carries patchset-level fields of a stream event.
type PatchSet struct {
	Number   int      `json:"number"`
	Ref      string   `json:"ref"`
	Revision string   `json:"revision"`
	Uploader *Account `json:"uploader,omitempty"`
}

// Account represents a Gerrit user account.
type Account struct {
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
}
