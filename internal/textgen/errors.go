package textgen

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

// ErrMissingCredentials is returned by New when a real provider has no API
// key. It halts a batch instead of failing every stage.
var ErrMissingCredentials = eris.New("textgen: missing credentials")

// MalformedResponseError reports model output that is not JSON or does not
// match the requested schema. It is never retried.
type MalformedResponseError struct {
	Stage  string
	Reason string
	Raw    string
	Err    error
}

func (e *MalformedResponseError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("textgen: malformed response: %s", e.Reason)
	}
	return fmt.Sprintf("textgen: malformed %s response: %s", e.Stage, e.Reason)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// IsMalformed reports whether err is or wraps a MalformedResponseError.
func IsMalformed(err error) bool {
	var me *MalformedResponseError
	return errors.As(err, &me)
}
