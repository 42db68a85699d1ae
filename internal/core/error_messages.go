package core

// error_messages.go maps errors returned to API clients onto short
// messages with a support code. Diagnostics inside a RecordSet carry their
// own codes (see package diag); the codes here only cover failures that
// stop a request.
//
// # Archive Errors (FILE001-FILE099)
//
//	FILE001 - Archive too large: upload exceeds the configured size
//	          Action: Collect a smaller support bundle
//	          Patterns: "request body too large", "archive too large"
//
//	FILE002 - Unsupported format: no known compression magic bytes
//	          Action: Upload the .tgz produced by the appliance
//	          Match: *archive.Error with Kind UnsupportedCompression
//
//	FILE003 - Truncated archive: the container ends before any file
//	          Action: Download the bundle again and re-upload it
//	          Match: *archive.Error with Kind TruncatedContainer
//
//	FILE004 - No file: request carried no archive
//	          Action: Attach the archive as the "file" form field
//	          Patterns: "no file provided"
//
//	FILE005 - Empty file: the upload has zero bytes
//	          Action: Check that the download completed
//	          Patterns: "empty file"
//
// # Upload Errors (UPL001-UPL099)
//
//	UPL001 - Superseded: a newer upload replaced this one
//	         Match: ErrSuperseded
//
//	UPL002 - System busy: every processing slot is taken
//	         Match: ErrTooManyUploads
//
//	UPL003 - No archive: nothing has been processed yet
//	         Match: ErrNoArchive
//
//	UPL004 - Request cancelled
//	         Match: context.Canceled
//
//	UPL005 - Request timeout
//	         Match: context.DeadlineExceeded
//
//	UPL006 - Artifact not found: the named artifact is not in the archive
//	         Patterns: "artifact not found"
//
//	UPL007 - Destination not found: no artifact was filed under the name
//	         Patterns: "destination not found"
//
//	UPL008 - Unknown format: the response format is neither json nor cbor
//	         Patterns: "unknown format"
//
// # Registry Errors (REG001-REG099)
//
//	REG001 - Invalid registry: the registry file does not validate
//	         Patterns: "invalid registry", "decode registry"
//
// # Rate Limiting (RATE001)
//
//	RATE001 - Rate limited
//	          Patterns: "rate limit"
//
// # Default Error (ERR000)
//
// Fallback when nothing matches. The technical error is in the server log.

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/ipsdiag/internal/archive"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action"`
	Code    string `json:"code"`
}

var (
	msgUnsupported = UserMessage{
		Message: "Archive format is not supported",
		Action:  "Upload the .tgz support bundle produced by the appliance",
		Code:    "FILE002",
	}
	msgTruncated = UserMessage{
		Message: "Archive is truncated or damaged",
		Action:  "Download the support bundle again and re-upload it",
		Code:    "FILE003",
	}
)

// sentinelMessages is checked with errors.Is before any pattern.
var sentinelMessages = []struct {
	err error
	msg UserMessage
}{
	{ErrSuperseded, UserMessage{
		Message: "A newer upload replaced this archive",
		Action:  "Results for the newer archive are shown instead",
		Code:    "UPL001",
	}},
	{ErrTooManyUploads, UserMessage{
		Message: "System is busy processing other archives",
		Action:  "Please wait a moment and try again",
		Code:    "UPL002",
	}},
	{ErrNoArchive, UserMessage{
		Message: "No archive has been processed yet",
		Action:  "Upload a support archive first",
		Code:    "UPL003",
	}},
	{context.Canceled, UserMessage{
		Message: "Request was cancelled",
		Action:  "Please try again",
		Code:    "UPL004",
	}},
	{context.DeadlineExceeded, UserMessage{
		Message: "Request timed out",
		Action:  "Try again or check your connection",
		Code:    "UPL005",
	}},
}

// errorPattern maps a lower-case substring of an error to a message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns is searched in order; the first match wins.
var errorPatterns = []errorPattern{
	{
		pattern: "request body too large",
		msg: UserMessage{
			Message: "Archive exceeds the maximum upload size",
			Action:  "Collect a smaller support bundle",
			Code:    "FILE001",
		},
	},
	{
		pattern: "archive too large",
		msg: UserMessage{
			Message: "Archive exceeds the maximum upload size",
			Action:  "Collect a smaller support bundle",
			Code:    "FILE001",
		},
	},
	{
		pattern: "no file provided",
		msg: UserMessage{
			Message: "No archive was uploaded",
			Action:  `Attach the archive as the "file" form field or as the request body`,
			Code:    "FILE004",
		},
	},
	{
		pattern: "empty file",
		msg: UserMessage{
			Message: "The uploaded archive is empty",
			Action:  "Check that the download completed",
			Code:    "FILE005",
		},
	},
	{
		pattern: "artifact not found",
		msg: UserMessage{
			Message: "Artifact not found in the current archive",
			Action:  "List artifacts to see the available names",
			Code:    "UPL006",
		},
	},
	{
		pattern: "destination not found",
		msg: UserMessage{
			Message: "Nothing in the current archive is filed under that destination",
			Action:  "List destinations to see the available names",
			Code:    "UPL007",
		},
	},
	{
		pattern: "unknown format",
		msg: UserMessage{
			Message: "Unsupported response format",
			Action:  "Use format=json or format=cbor",
			Code:    "UPL008",
		},
	},
	{
		pattern: "invalid registry",
		msg: UserMessage{
			Message: "Artifact registry is invalid",
			Action:  "Fix the registry file named in the server log",
			Code:    "REG001",
		},
	},
	{
		pattern: "decode registry",
		msg: UserMessage{
			Message: "Artifact registry is invalid",
			Action:  "Fix the registry file named in the server log",
			Code:    "REG001",
		},
	},
	{
		pattern: "rate limit",
		msg: UserMessage{
			Message: "Too many requests",
			Action:  "Please wait a moment before trying again",
			Code:    "RATE001",
		},
	},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message. Typed
// archive errors and sentinels are matched first, then the pattern table
// (case-insensitive), then the ERR000 fallback.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	var ae *archive.Error
	if errors.As(err, &ae) {
		switch ae.Kind {
		case archive.UnsupportedCompression:
			return msgUnsupported
		case archive.TruncatedContainer, archive.CorruptEntry:
			return msgTruncated
		}
	}

	for _, s := range sentinelMessages {
		if errors.Is(err, s.err) {
			return s.msg
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError formats err as "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to something other than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
