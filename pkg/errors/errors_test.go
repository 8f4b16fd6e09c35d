package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with all defaults", func(t *testing.T) {
		err := NewError(ErrCodeNotFound, "no such entry")
		if err == nil {
			t.Fatal("NewError returned nil")
		}
		if err.Code != ErrCodeNotFound {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeNotFound)
		}
		if err.Category != CategoryFilesystem {
			t.Errorf("Category = %v, want %v", err.Category, CategoryFilesystem)
		}
		if err.Details == nil || err.Context == nil {
			t.Error("Details or Context map is nil")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("sets retryable defaults", func(t *testing.T) {
		if !NewError(ErrCodeLocked, "busy").Retryable {
			t.Error("Locked should be retryable by default")
		}
		if NewError(ErrCodeAccessDenied, "denied").Retryable {
			t.Error("AccessDenied should not be retryable by default")
		}
	})

	t.Run("sets user-facing defaults", func(t *testing.T) {
		if !NewError(ErrCodeOutOfSpace, "full").UserFacing {
			t.Error("OutOfSpace should be user-facing")
		}
		if NewError(ErrCodeInternalError, "boom").UserFacing {
			t.Error("InternalError should not be user-facing")
		}
	})
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodeNotFound, CategoryFilesystem},
		{ErrCodeIsADirectory, CategoryFilesystem},
		{ErrCodeAccessDenied, CategoryPermission},
		{ErrCodeLocked, CategoryConcurrency},
		{ErrCodeInUse, CategoryConcurrency},
		{ErrCodeOutOfSpace, CategoryResource},
		{ErrCodeSpillIO, CategoryStorage},
		{ErrCodeConfigLoad, CategoryConfiguration},
		{ErrCodeInternalError, CategoryInternal},
		{ErrorCode("SOMETHING_ELSE"), CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := GetCategory(tt.code); got != tt.want {
				t.Errorf("GetCategory(%s) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestAllCodesUnique(t *testing.T) {
	seen := make(map[ErrorCode]bool)
	for _, code := range AllCodes() {
		if seen[code] {
			t.Errorf("duplicate code %s", code)
		}
		seen[code] = true
	}
	if len(seen) != 22 {
		t.Errorf("AllCodes() has %d codes, want 22", len(seen))
	}
	AllCodes()[0] = "MUTATED"
	if AllCodes()[0] != ErrCodeNotFound {
		t.Error("AllCodes() must return a copy")
	}
}

func TestErrorString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *AgentFSError
		want string
	}{
		{
			name: "code and message",
			err:  NewError(ErrCodeNotFound, "missing"),
			want: "NOT_FOUND: missing",
		},
		{
			name: "with component",
			err:  NewError(ErrCodeNotFound, "missing").WithComponent("tree"),
			want: "[tree] NOT_FOUND: missing",
		},
		{
			name: "with component and operation",
			err:  NewError(ErrCodeNotFound, "missing").WithComponent("tree").WithOperation("resolve"),
			want: "[tree:resolve] NOT_FOUND: missing",
		},
		{
			name: "sentinel",
			err:  ErrLocked,
			want: "LOCKED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorsIs(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeAccessDenied, "no search permission").WithComponent("tree")
	wrapped := fmt.Errorf("open /a/b: %w", err)

	if !errors.Is(wrapped, ErrAccessDenied) {
		t.Error("errors.Is should match by code through wrapping")
	}
	if errors.Is(wrapped, ErrNotFound) {
		t.Error("errors.Is should not match a different code")
	}
	if !IsCode(wrapped, ErrCodeAccessDenied) {
		t.Error("IsCode should match")
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ""},
		{"direct", NewError(ErrCodeInUse, "branch bound"), ErrCodeInUse},
		{"wrapped", fmt.Errorf("ctx: %w", NewError(ErrCodeOutOfSpace, "full")), ErrCodeOutOfSpace},
		{"foreign", errors.New("plain"), ErrCodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUnwrapAndBuilders(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk gone")
	err := Wrap(ErrCodeSpillIO, cause, "spill write failed").
		WithContext("key", "abc").
		WithDetail("bytes", 4096).
		WithOperation("put")

	if !errors.Is(err, cause) {
		t.Error("cause should be reachable through Unwrap")
	}
	if err.Context["key"] != "abc" {
		t.Errorf("Context[key] = %q, want abc", err.Context["key"])
	}
	if err.Details["bytes"] != 4096 {
		t.Errorf("Details[bytes] = %v, want 4096", err.Details["bytes"])
	}

	s := err.String()
	for _, part := range []string{"Code=SPILL_IO", "Operation=put", "Retryable=true", `Cause="disk gone"`} {
		if !strings.Contains(s, part) {
			t.Errorf("String() = %q, missing %q", s, part)
		}
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(err.JSON()), &decoded); err != nil {
		t.Fatalf("JSON() produced invalid JSON: %v", err)
	}
	if decoded["code"] != "SPILL_IO" {
		t.Errorf("json code = %v, want SPILL_IO", decoded["code"])
	}
}

func TestWithStack(t *testing.T) {
	err := NewError(ErrCodeInternalError, "boom").WithStack()
	if err.Stack == "" {
		t.Error("WithStack should capture frames")
	}
}

func TestUserFacingMessage(t *testing.T) {
	t.Parallel()

	if got := NewError(ErrCodeNotFound, "x").UserFacingMessage(); got != "No such file or directory" {
		t.Errorf("UserFacingMessage() = %q", got)
	}
	if got := NewError(ErrCodeInternalError, "x").UserFacingMessage(); !strings.Contains(got, "internal error") {
		t.Errorf("UserFacingMessage() = %q, want generic internal message", got)
	}
	if got := NewError(ErrCodeStaleHandle, "handle gone").UserFacingMessage(); got != "handle gone" {
		t.Errorf("UserFacingMessage() = %q, want raw message fallback", got)
	}
}
