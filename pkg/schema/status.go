package schema

import "fmt"

// Status is the review workflow state of a source collection.
type Status string

const (
	StatusWorkInProgress Status = "work-in-progress"
	StatusToReview       Status = "to-review"
	StatusToSign         Status = "to-sign"
	StatusSigned         Status = "signed"
)

// ParseStatus validates a raw status value.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusWorkInProgress, StatusToReview, StatusToSign, StatusSigned:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}
