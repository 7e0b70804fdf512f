package tasks

import (
	"strings"

	"github.com/vinayprograms/taskmesh/errors"
)

// Subjects used for task traffic.
const (
	// SubjectPrefix prefixes every task class subject.
	SubjectPrefix = "task."

	// SubjectResult carries completion signals from workers.
	SubjectResult = "task.result"

	// SubjectClaim carries "started working" signals from workers.
	SubjectClaim = "task.claim"
)

// reserved task types collide with the control subjects above.
var reserved = map[string]bool{
	"result": true,
	"claim":  true,
}

// Subject returns the subject a task of the given type is published on.
// Routing is purely by this convention; no agent is selected.
func Subject(taskType string) string {
	return SubjectPrefix + taskType
}

// Validate checks the task before anything is persisted.
func (t Task) Validate() error {
	if err := ValidateType(t.Type); err != nil {
		return err
	}
	if t.Payload == nil {
		return invalid("payload must be a JSON object")
	}
	return nil
}

// ValidateType checks a task type is non-empty and safe to embed in a
// subject: no whitespace, no wildcards, no empty tokens.
func ValidateType(taskType string) error {
	if taskType == "" {
		return invalid("task type is required")
	}
	if strings.ContainsAny(taskType, " \t\r\n*>") {
		return invalid("task type %q contains whitespace or wildcards", taskType)
	}
	for _, tok := range strings.Split(taskType, ".") {
		if tok == "" {
			return invalid("task type %q has an empty token", taskType)
		}
	}
	if reserved[taskType] {
		return invalid("task type %q is reserved", taskType)
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return errors.Newf(errors.ErrCodeInvalidInput, format, args...)
}
