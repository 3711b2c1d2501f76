// Package export renders a single day's sheet as a PDF via headless
// Chrome.
package export

import "errors"

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies
	// are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
