package lf

import (
	"time"

	units "github.com/docker/go-units"
	"go.uber.org/zap"
)

const (
	FieldModule    = "module"
	FieldTag       = "tag"
	FieldStage     = "stage"
	FieldFromStage = "from_stage"
	FieldAttempt   = "attempt"
	FieldSource    = "source"
	FieldLock      = "lock"
	FieldOwner     = "owner"
	FieldDir       = "dir"
	FieldSigner    = "signer"
	FieldExitCode  = "exit_code"
	FieldElapsed   = "elapsed"
)

func Module(module string) zap.Field {
	return zap.String(FieldModule, module)
}

func Tag(tag string) zap.Field {
	return zap.String(FieldTag, tag)
}

func Stage(stage string) zap.Field {
	return zap.String(FieldStage, stage)
}

func FromStage(stage string) zap.Field {
	return zap.String(FieldFromStage, stage)
}

func Attempt(attempt int) zap.Field {
	return zap.Int(FieldAttempt, attempt)
}

func Source(name string) zap.Field {
	return zap.String(FieldSource, name)
}

func Lock(name string) zap.Field {
	return zap.String(FieldLock, name)
}

func Owner(owner string) zap.Field {
	return zap.String(FieldOwner, owner)
}

func Dir(dir string) zap.Field {
	return zap.String(FieldDir, dir)
}

func Signer(signer string) zap.Field {
	return zap.String(FieldSigner, signer)
}

func ExitCode(code int) zap.Field {
	return zap.Int(FieldExitCode, code)
}

func Elapsed(d time.Duration) zap.Field {
	return zap.String(FieldElapsed, units.HumanDuration(d))
}
