// Package outcome defines the per-repository result of a batch operation and
// the error taxonomy used to classify failures.
package outcome

import "fmt"

// Status is the kind of a RepoOutcome.
type Status string

const (
	StatusCreated  Status = "created"
	StatusSkipped  Status = "skipped"
	StatusApproved Status = "approved"
	StatusMerged   Status = "merged"
	StatusFailed   Status = "failed"

	// StatusClosed marks a pull request closed by review delete or purge.
	StatusClosed Status = "closed"
)

// Skip reasons.
const (
	ReasonNoChange = "no change"
	ReasonPRExists = "pr exists"
	ReasonClosed   = "closed"
	ReasonAborted  = "aborted"
	ReasonNoMatch  = "no matching pr"
	ReasonDryRun   = "dry run"
)

// Outcome is the result of one unit of work for one repository.
type Outcome struct {
	Repo    string    `json:"repo"`
	Status  Status    `json:"status"`
	Reason  string    `json:"reason,omitempty"`
	Kind    ErrorKind `json:"error_kind,omitempty"`
	Message string    `json:"message,omitempty"`
	// PRNumber and PRURL identify the pull request the outcome refers to, if any.
	PRNumber int    `json:"pr_number,omitempty"`
	PRURL    string `json:"pr_url,omitempty"`
}

func Created(repo string, number int, url string) Outcome {
	return Outcome{Repo: repo, Status: StatusCreated, PRNumber: number, PRURL: url}
}

func Skipped(repo, reason string) Outcome {
	return Outcome{Repo: repo, Status: StatusSkipped, Reason: reason}
}

func Approved(repo string, number int, url string) Outcome {
	return Outcome{Repo: repo, Status: StatusApproved, PRNumber: number, PRURL: url}
}

func Merged(repo string, number int, url string) Outcome {
	return Outcome{Repo: repo, Status: StatusMerged, PRNumber: number, PRURL: url}
}

func Closed(repo string, number int, url string) Outcome {
	return Outcome{Repo: repo, Status: StatusClosed, PRNumber: number, PRURL: url}
}

func Failed(repo string, kind ErrorKind, message string) Outcome {
	return Outcome{Repo: repo, Status: StatusFailed, Kind: kind, Message: message}
}

// WithPR attaches a pull request to the outcome.
func (o Outcome) WithPR(number int, url string) Outcome {
	o.PRNumber = number
	o.PRURL = url
	return o
}

// Success reports whether the outcome is success-class. Only Failed is not.
func (o Outcome) Success() bool {
	return o.Status != StatusFailed
}

func (o Outcome) String() string {
	switch o.Status {
	case StatusSkipped:
		return fmt.Sprintf("%s: skipped (%s)", o.Repo, o.Reason)
	case StatusFailed:
		return fmt.Sprintf("%s: failed [%s] %s", o.Repo, o.Kind, o.Message)
	default:
		if o.PRNumber != 0 {
			return fmt.Sprintf("%s: %s #%d", o.Repo, o.Status, o.PRNumber)
		}
		return fmt.Sprintf("%s: %s", o.Repo, o.Status)
	}
}
