package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// TransientNetworkError marks tag source failures worth retrying.
type TransientNetworkError struct {
	Source string
	nested error
}

func NewTransientNetworkError(source string, err error) error {
	return &TransientNetworkError{Source: source, nested: err}
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network error from %s: %v", e.Source, e.nested)
}

func (e *TransientNetworkError) Unwrap() error {
	return e.nested
}

func IsTransientNetwork(err error) bool {
	target := &TransientNetworkError{}
	return errors.As(err, &target)
}

type AuthError struct {
	Source string
	nested error
}

func NewAuthError(source string, err error) error {
	return &AuthError{Source: source, nested: err}
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.Source, e.nested)
}

func (e *AuthError) Unwrap() error {
	return e.nested
}

func IsAuth(err error) bool {
	target := &AuthError{}
	return errors.As(err, &target)
}

type BuildFailure struct {
	Tag      string
	ExitCode int
	Log      string
	nested   error
}

func NewBuildFailure(tag string, exitCode int, log string, err error) error {
	return &BuildFailure{Tag: tag, ExitCode: exitCode, Log: log, nested: err}
}

func (e *BuildFailure) Error() string {
	msg := fmt.Sprintf("build of %s failed with exit code %d", e.Tag, e.ExitCode)
	if e.Log != "" {
		msg += fmt.Sprintf(" (log: %s)", e.Log)
	}
	if e.nested != nil {
		msg += ": " + e.nested.Error()
	}
	return msg
}

func (e *BuildFailure) Unwrap() error {
	return e.nested
}

func IsBuildFailure(err error) bool {
	target := &BuildFailure{}
	return errors.As(err, &target)
}

type MissingSignatureError struct {
	Tag     string
	Missing []string
}

func (e *MissingSignatureError) Error() string {
	return fmt.Sprintf("detached signatures for %s are missing: %v", e.Tag, e.Missing)
}

func IsMissingSignature(err error) bool {
	target := &MissingSignatureError{}
	return errors.As(err, &target)
}

type LockContentionError struct {
	Name  string
	Owner string
}

func (e *LockContentionError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("lock %s is held by another run", e.Name)
	}
	return fmt.Sprintf("lock %s is held by %s", e.Name, e.Owner)
}

func IsLockContention(err error) bool {
	target := &LockContentionError{}
	return errors.As(err, &target)
}

type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return "invalid config: " + e.Reason
	}
	return fmt.Sprintf("invalid config %s: %s", e.Key, e.Reason)
}

func IsConfig(err error) bool {
	target := &ConfigError{}
	return errors.As(err, &target)
}

// StageError names the pipeline stage a failure happened in.
type StageError struct {
	Tag    string
	Stage  string
	nested error
}

func NewStageError(tag, stage string, err error) error {
	return &StageError{Tag: tag, Stage: stage, nested: err}
}

func (e *StageError) Error() string {
	return fmt.Sprintf("tag %s failed in stage %s: %v", e.Tag, e.Stage, e.nested)
}

func (e *StageError) Unwrap() error {
	return e.nested
}

func FailedStage(err error) (string, bool) {
	target := &StageError{}
	if errors.As(err, &target) {
		return target.Stage, true
	}
	return "", false
}
