package protocol

import "strings"

const (
	// SubjectResults is where workers publish tool completions.
	SubjectResults = "pipeline.results"

	// ResultsQueue is the queue group shared by orchestrator instances.
	ResultsQueue = "picturas-orchestrator"

	// SubjectClientAll matches every per-user update subject.
	SubjectClientAll = "client.*.updates"
)

// ToolSubject constructs the direct request subject for a procedure.
func ToolSubject(procedure string) string {
	if procedure == "" {
		return ""
	}
	return "tool." + procedure + ".requests"
}

// ClientSubject constructs the per-user live update subject.
func ClientSubject(userID string) string {
	if userID == "" {
		return ""
	}
	return "client." + userID + ".updates"
}

// UserFromClientSubject extracts the user id from a client update subject,
// returning "" when the subject does not match.
func UserFromClientSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 || parts[0] != "client" || parts[2] != "updates" {
		return ""
	}
	return parts[1]
}
