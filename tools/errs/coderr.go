package errs

import (
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

// New builds an internal error with key/value detail, e.g. New("bad id", "id", id).
func New(msg string, kv ...any) *CodeError {
	return &CodeError{Code: ServerInternalError, Msg: msg, Detail: toString("", kv)}
}

func (e *CodeError) WithDetail(detail string) *CodeError {
	c := e.clone()
	if c.Detail == "" {
		c.Detail = detail
	} else {
		c.Detail += ", " + detail
	}
	return c
}

func (e *CodeError) Wrap() error {
	return errors.WithStack(e.clone())
}

func (e *CodeError) WrapMsg(msg string, kv ...any) error {
	c := e.clone()
	if msg != "" || len(kv) > 0 {
		detail := toString(msg, kv)
		if c.Detail == "" {
			c.Detail = detail
		} else {
			c.Detail += ", " + detail
		}
	}
	return errors.WithStack(c)
}

func (e *CodeError) clone() *CodeError {
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: e.Detail}
}

// Is matches any CodeError carrying the same code, so errors.Is works
// against the package sentinels regardless of detail.
func (e *CodeError) Is(target error) bool {
	var t *CodeError
	if !stderrors.As(target, &t) || t == nil || e == nil {
		return false
	}
	return e.Code == t.Code
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// Code returns the code of the first CodeError in err's chain, or 0.
func Code(err error) int {
	var ce *CodeError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

// AsCode returns the first CodeError in err's chain.
func AsCode(err error) (*CodeError, bool) {
	var ce *CodeError
	ok := stderrors.As(err, &ce)
	return ce, ok
}

func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(err)
}

func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, toString(msg, kv))
}

func toString(msg string, kv []any) string {
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if sb.Len() > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprint(kv[i]))
		sb.WriteString("=")
		if i+1 < len(kv) {
			sb.WriteString(fmt.Sprint(kv[i+1]))
		} else {
			sb.WriteString("MISSING")
		}
	}
	return sb.String()
}
