package models

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorKind string

const (
	KindConfiguration      ErrorKind = "ConfigurationError"
	KindResource           ErrorKind = "ResourceError"
	KindShapeMismatch      ErrorKind = "ShapeMismatchError"
	KindNumericInstability ErrorKind = "NumericInstability"
	KindEvaluation         ErrorKind = "EvaluationError"
)

var (
	ErrConfiguration      = errors.New("configuration error")
	ErrResource           = errors.New("resource error")
	ErrShapeMismatch      = errors.New("shape mismatch")
	ErrNumericInstability = errors.New("numeric instability")
	ErrEvaluation         = errors.New("evaluation error")

	// ErrInterrupted is returned when a run is stopped at a round boundary.
	ErrInterrupted = errors.New("run interrupted")
)

var kindSentinels = map[ErrorKind]error{
	KindConfiguration:      ErrConfiguration,
	KindResource:           ErrResource,
	KindShapeMismatch:      ErrShapeMismatch,
	KindNumericInstability: ErrNumericInstability,
	KindEvaluation:         ErrEvaluation,
}

// FLError carries the error kind together with the client, proxy slot and
// tensor it concerns. ProxyID is -1 when no proxy is involved.
type FLError struct {
	Kind    ErrorKind
	Client  string
	ProxyID int
	Tensor  string
	Msg     string
	Err     error
}

func (e *FLError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Msg)

	var ids []string
	if e.Client != "" {
		ids = append(ids, "client="+e.Client)
	}
	if e.ProxyID >= 0 {
		ids = append(ids, fmt.Sprintf("proxy=%d", e.ProxyID))
	}
	if e.Tensor != "" {
		ids = append(ids, "tensor="+e.Tensor)
	}
	if len(ids) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(ids, ", "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *FLError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match an FLError against its kind's sentinel.
func (e *FLError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func NewConfigurationError(format string, args ...interface{}) *FLError {
	return &FLError{Kind: KindConfiguration, ProxyID: -1, Msg: fmt.Sprintf(format, args...)}
}

func NewResourceError(proxyID int, format string, args ...interface{}) *FLError {
	return &FLError{Kind: KindResource, ProxyID: proxyID, Msg: fmt.Sprintf(format, args...)}
}

func NewShapeMismatchError(proxyID int, tensorName string, err error) *FLError {
	return &FLError{
		Kind:    KindShapeMismatch,
		ProxyID: proxyID,
		Tensor:  tensorName,
		Msg:     "proxy parameters diverge from the global template",
		Err:     err,
	}
}

func NewNumericInstabilityError(client string, proxyID int, format string, args ...interface{}) *FLError {
	return &FLError{Kind: KindNumericInstability, Client: client, ProxyID: proxyID, Msg: fmt.Sprintf(format, args...)}
}

func NewEvaluationError(err error, format string, args ...interface{}) *FLError {
	return &FLError{Kind: KindEvaluation, ProxyID: -1, Msg: fmt.Sprintf(format, args...), Err: err}
}

// WithClient returns a copy annotated with the client key.
func (e *FLError) WithClient(client string) *FLError {
	c := *e
	c.Client = client
	return &c
}

// KindOf extracts the kind of an FLError anywhere in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var flErr *FLError
	if errors.As(err, &flErr) {
		return flErr.Kind, true
	}
	return "", false
}
