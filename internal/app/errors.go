package app

import "fmt"

// DomainError is a failure that already knows how to appear on the
// wire: the HTTP status to respond with, a stable machine-readable
// code, and a message safe to show the user. Details, when set, is
// serialized alongside for validation-style responses.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{Status: status, Code: code, Message: message, Details: details}
}
