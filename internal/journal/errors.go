package journal

import "errors"

// ErrSignedOut is returned by AuthClient.CurrentUser when no session
// exists. It is a normal state, not a failure.
var ErrSignedOut = errors.New("signed out")
