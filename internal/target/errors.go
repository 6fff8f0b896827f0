package target

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// ManagementError reports a management script that did not behave:
// unexpected output, missing reply markers or a reply that would not
// parse. The captured streams are kept for diagnosis.
type ManagementError struct {
	Msg    string
	Script string
	Stdout string
	Stderr string
}

func (e *ManagementError) Error() string {
	return e.Msg
}

// newManagementError logs the full exchange before returning, since
// callers usually surface only the message.
func newManagementError(msg, script, stdout, stderr string) *ManagementError {
	log.Debug().
		Str("script", logSample(script)).
		Str("stdout", logSample(stdout)).
		Str("stderr", logSample(stderr)).
		Msg(msg)
	return &ManagementError{Msg: msg, Script: script, Stdout: stdout, Stderr: stderr}
}

// DeviceOSError is an OSError raised by device-side code, identified by
// the errno scraped from its traceback. The numbering is the device's,
// which matches Linux for the cases we test against.
type DeviceOSError struct {
	Errno int
}

func (e *DeviceOSError) Error() string {
	return fmt.Sprintf("device OSError [Errno %d]", e.Errno)
}

// errReadOnlyFilesystem routes write attempts to the mount fallback
// inside the package. It never escapes the public API.
var errReadOnlyFilesystem = errors.New("read-only filesystem")

const errorSampleLimit = 1024

func logSample(s string) string {
	if len(s) <= errorSampleLimit {
		return s
	}
	return s[:errorSampleLimit] + "..."
}
