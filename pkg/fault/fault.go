package fault

import (
	stderrors "errors"
	"fmt"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeRemoteTransient Code = "remote.transient"
	CodeRemotePermanent Code = "remote.permanent"

	CodeScopeInvalid        Code = "scope.resolve.invalid"
	CodePolicyConfigInvalid Code = "policy.config.invalid"

	CodeStorageFailure  Code = "storage.failure"
	CodeStorageNotFound Code = "storage.not_found"

	CodeInternalFailure Code = "internal.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldNode(node string) Attr {
	return Field("node", node)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

// CodeOf returns the code attached to err, or "" for plain errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	switch code := oopsErr.Code().(type) {
	case Code:
		return code
	case string:
		return Code(code)
	case nil:
		return ""
	default:
		return Code(fmt.Sprintf("%v", code))
	}
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsScopeError(err error) bool {
	return HasCode(err, CodeScopeInvalid)
}

func IsPolicyConfigError(err error) bool {
	return HasCode(err, CodePolicyConfigInvalid)
}

// IsFatal reports whether err must abort a whole run.
// Scope, configuration, storage and internal failures are fatal; remote
// errors are per-node and never are.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeRemoteTransient, CodeRemotePermanent:
		return false
	default:
		return true
	}
}

func Join(errs ...error) error {
	joined := stderrors.Join(errs...)
	if joined == nil {
		return nil
	}
	return oops.Code(CodeInternalFailure).Wrap(joined)
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}
