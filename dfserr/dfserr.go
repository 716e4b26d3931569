// Package dfserr defines the exception values exchanged between the naming
// server, storage servers, and clients. The wire shape is a type tag plus a
// human-readable message.
package dfserr

import "fmt"

const (
	IllegalArgumentException  = "IllegalArgumentException"
	FileNotFoundException     = "FileNotFoundException"
	IllegalStateException     = "IllegalStateException"
	IndexOutOfBoundsException = "IndexOutOfBoundsException"
	IOException               = "IOException"
)

// Exception - an error sent across a service boundary
type Exception struct {
	Type string `json:"exception_type"`
	Msg  string `json:"exception_info"`
}

func (e *Exception) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Msg)
}

func IllegalArgument(format string, args ...any) *Exception {
	return &Exception{IllegalArgumentException, fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Exception {
	return &Exception{FileNotFoundException, fmt.Sprintf(format, args...)}
}

func IllegalState(format string, args ...any) *Exception {
	return &Exception{IllegalStateException, fmt.Sprintf(format, args...)}
}

func IndexOutOfBounds(format string, args ...any) *Exception {
	return &Exception{IndexOutOfBoundsException, fmt.Sprintf(format, args...)}
}

func IO(err error) *Exception {
	return &Exception{IOException, err.Error()}
}
