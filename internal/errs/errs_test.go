package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"pgregory.net/rapid"
)

var allCodes = []Code{
	InvalidArgument,
	NotFound,
	FailedPrecondition,
	PermissionDenied,
	Unauthenticated,
	ResourceExhausted,
	DeadlineExceeded,
	Unavailable,
	Internal,
}

func testCodeOf_RoundtripForTypedErrors(t *rapid.T) {
	code := rapid.SampledFrom(allCodes).Draw(t, "code")
	message := rapid.StringMatching(`[a-zA-Z0-9 _:\-]{1,80}`).Draw(t, "message")

	err := New(code, message)
	if got := CodeOf(err); got != code {
		t.Fatalf("CodeOf(New) mismatch: got=%q want=%q", got, code)
	}
	if got := MessageOf(err); got != message {
		t.Fatalf("MessageOf(New) mismatch: got=%q want=%q", got, message)
	}
	if !Is(err, code) {
		t.Fatalf("Is(%q) returned false", code)
	}
}

func TestCodeOf_RoundtripForTypedErrors(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testCodeOf_RoundtripForTypedErrors)
}

func testCodeOfAndMessageOf_WrappedTypedError(t *rapid.T) {
	code := rapid.SampledFrom(allCodes).Draw(t, "code")
	message := rapid.StringMatching(`[a-zA-Z0-9 _:\-]{1,80}`).Draw(t, "message")
	cause := errors.New(rapid.StringMatching(`[a-zA-Z0-9 _:\-]{1,80}`).Draw(t, "cause"))

	err := Wrap(code, message, cause)
	wrapped := fmt.Errorf("outer: %w", err)

	if got := CodeOf(wrapped); got != code {
		t.Fatalf("CodeOf(wrapped) mismatch: got=%q want=%q", got, code)
	}
	if got := MessageOf(wrapped); got != message {
		t.Fatalf("MessageOf(wrapped) mismatch: got=%q want=%q", got, message)
	}
	if !errors.Is(wrapped, cause) {
		t.Fatal("wrapped error lost its cause")
	}
}

func TestCodeOfAndMessageOf_WrappedTypedError(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testCodeOfAndMessageOf_WrappedTypedError)
}

func TestCodeOf_ContextErrors(t *testing.T) {
	t.Parallel()
	if got := CodeOf(fmt.Errorf("poll: %w", context.DeadlineExceeded)); got != DeadlineExceeded {
		t.Fatalf("deadline: got=%q", got)
	}
	if got := CodeOf(context.Canceled); got != Unavailable {
		t.Fatalf("canceled: got=%q", got)
	}
}

type customCoded struct{}

func (customCoded) Error() string  { return "custom" }
func (customCoded) ErrCode() Code { return PermissionDenied }

func TestCodeOf_ErrCodeInterface(t *testing.T) {
	t.Parallel()
	if got := CodeOf(fmt.Errorf("x: %w", customCoded{})); got != PermissionDenied {
		t.Fatalf("got=%q want=%q", got, PermissionDenied)
	}
}

func testUntypedAndNilFallbacks(t *rapid.T) {
	raw := rapid.StringMatching(`[a-zA-Z0-9 _:\-./]{1,80}`).Draw(t, "raw")
	untyped := errors.New(raw)

	if got := CodeOf(untyped); got != Internal {
		t.Fatalf("CodeOf(untyped) mismatch: got=%q want=%q", got, Internal)
	}
	if got := MessageOf(untyped); got != "internal error" {
		t.Fatalf("MessageOf(untyped) mismatch: got=%q want=%q", got, "internal error")
	}
	if got := CodeOf(nil); got != Internal {
		t.Fatalf("CodeOf(nil) mismatch: got=%q want=%q", got, Internal)
	}
	if Is(nil, Internal) {
		t.Fatal("Is(nil) must be false")
	}
}

func TestUntypedAndNilFallbacks(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testUntypedAndNilFallbacks)
}

func testHTTPStatus_Mapping(t *rapid.T) {
	cases := map[Code]int{
		InvalidArgument:    http.StatusBadRequest,
		Unauthenticated:    http.StatusUnauthorized,
		PermissionDenied:   http.StatusForbidden,
		NotFound:           http.StatusNotFound,
		FailedPrecondition: http.StatusConflict,
		ResourceExhausted:  http.StatusTooManyRequests,
		DeadlineExceeded:   http.StatusGatewayTimeout,
		Unavailable:        http.StatusServiceUnavailable,
		Internal:           http.StatusInternalServerError,
	}

	code := rapid.SampledFrom(append(append([]Code{}, allCodes...), Code("unknown_code"))).Draw(t, "code")

	want := http.StatusInternalServerError
	if mapped, ok := cases[code]; ok {
		want = mapped
	}
	if got := HTTPStatus(code); got != want {
		t.Fatalf("HTTPStatus mismatch: code=%q got=%d want=%d", code, got, want)
	}
}

func TestHTTPStatus_Mapping(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testHTTPStatus_Mapping)
}
