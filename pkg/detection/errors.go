package detection

import (
	"errors"
	"fmt"

	"github.com/menta2k/firewatch/pkg/i18n"
)

// Kind classifies a detection failure. Kinds are comparable with errors.Is:
//
//	if errors.Is(err, detection.InvalidCredential) { ... }
type Kind int

const (
	UnknownKind Kind = iota
	// Validation failures, raised before any network call
	UnsupportedMediaType
	MissingCredential
	NoImageSelected

	ClientNotInitialized
	InvalidCredential
	MalformedResponse
	InvalidResponseShape
	RemoteRequestFailed
)

var kindNames = map[Kind]string{
	UnknownKind:          "unknown",
	UnsupportedMediaType: "unsupported_media_type",
	MissingCredential:    "missing_credential",
	NoImageSelected:      "no_image_selected",
	ClientNotInitialized: "client_not_initialized",
	InvalidCredential:    "invalid_credential",
	MalformedResponse:    "malformed_response",
	InvalidResponseShape: "invalid_response_shape",
	RemoteRequestFailed:  "remote_request_failed",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error makes a Kind usable as an errors.Is target
func (k Kind) Error() string { return k.String() }

// IsValidation reports whether the kind is a local input problem
func (k Kind) IsValidation() bool {
	return k == UnsupportedMediaType || k == MissingCredential || k == NoImageSelected
}

// IsCredential reports whether the kind requires the user to re-enter the key
func (k Kind) IsCredential() bool {
	return k == ClientNotInitialized || k == InvalidCredential
}

// maxRawLen bounds the raw model output kept on parse failures
const maxRawLen = 1000

// Error is a detection failure whose message is rendered in Lang
type Error struct {
	Kind Kind
	Lang i18n.Language
	// Raw holds the (truncated) model output for response failures
	Raw string
	Err error
}

func newError(kind Kind, lang i18n.Language, err error) *Error {
	return &Error{Kind: kind, Lang: lang, Err: err}
}

func (e *Error) Error() string {
	s := i18n.For(e.Lang)
	switch e.Kind {
	case UnsupportedMediaType:
		return s.UnsupportedImageType
	case MissingCredential:
		return s.CredentialRequired
	case NoImageSelected:
		return s.SelectImageFirst
	case ClientNotInitialized:
		return s.ClientNotInitialized
	case InvalidCredential:
		return fmt.Sprintf(s.RequestFailedFmt, e.cause())
	case MalformedResponse:
		return fmt.Sprintf(s.MalformedResponseFmt, e.Raw)
	case InvalidResponseShape:
		return fmt.Sprintf(s.InvalidResponseShapeFmt, e.Raw)
	case RemoteRequestFailed:
		if e.Err == nil {
			return s.UnknownRemoteError
		}
		return fmt.Sprintf(s.RequestFailedFmt, e.cause())
	default:
		return s.ErrorDuringDetection
	}
}

func (e *Error) cause() string {
	if e.Err == nil {
		return i18n.For(e.Lang).CredentialRejected
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare Kind so callers can write errors.Is(err, InvalidCredential)
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// Localize returns a copy of e rendering in lang
func (e *Error) Localize(lang i18n.Language) *Error {
	c := *e
	c.Lang = lang
	return &c
}

// KindOf extracts the Kind of err, or UnknownKind
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return UnknownKind
}

// IsValidation reports whether err is a local input validation failure
func IsValidation(err error) bool {
	return KindOf(err).IsValidation()
}

// truncate keeps at most maxRawLen runes of s
func truncate(s string) string {
	if len(s) <= maxRawLen {
		return s
	}
	r := []rune(s)
	if len(r) <= maxRawLen {
		return s
	}
	return string(r[:maxRawLen])
}
