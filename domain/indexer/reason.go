package indexer

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/emergent-company/catalog-sync/pkg/apperror"
)

// MaxReasonLength bounds failure_reason.
const MaxReasonLength = 8192

const unknownFailure = "Unknown failure"

// Reason renders err as "<op>: <message>" for the retry queue. The message
// falls back to the error's type name and then to "Unknown failure".
func Reason(op string, err error) string {
	msg := unknownFailure
	if err != nil {
		msg = errorMessage(err)
	}
	if op != "" {
		msg = op + ": " + msg
	}
	return TruncateReason(msg)
}

func errorMessage(err error) string {
	var appErr *apperror.Error
	if errors.As(err, &appErr) && appErr.Internal != nil {
		if m := strings.TrimSpace(appErr.Internal.Error()); m != "" {
			return appErr.Message + ": " + m
		}
	}
	if m := strings.TrimSpace(err.Error()); m != "" {
		return m
	}
	if name := fmt.Sprintf("%T", err); name != "" {
		return name
	}
	return unknownFailure
}

// TruncateReason cuts s to MaxReasonLength runes.
func TruncateReason(s string) string {
	if utf8.RuneCountInString(s) <= MaxReasonLength {
		return s
	}
	return string([]rune(s)[:MaxReasonLength])
}
