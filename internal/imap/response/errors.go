package response

import "raven/internal/imap/backend"

// FromBackendError maps a backend.Error onto the Status/response-code pair
// its Code implies.
func FromBackendError(err *backend.Error) (Status, string, string) {
	text := err.Message
	switch err.Code {
	case backend.CodeCloseConnection:
		return "", "", text // caller emits BYE + close, not a tagged response
	case backend.CodeInvalidAuth, backend.CodeAuthorizationFailed:
		return NO, err.ResponseCode, text
	case backend.CodeMailboxNotFound, backend.CodeMailboxConflict,
		backend.CodeMailboxHasChildren, backend.CodeMailboxReadOnly,
		backend.CodeAppendFailure, backend.CodeOverQuota, backend.CodeTooBig,
		backend.CodeSearchNotAllowed:
		return NO, err.ResponseCode, text
	default: // CodeInternal and anything unrecognized
		return NO, "", text
	}
}
