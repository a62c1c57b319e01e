package logger

import (
	"go.uber.org/zap"
)

type Sugared = *zap.SugaredLogger

// New returns a production logger for env "prod" and a development logger otherwise.
func New(env string) Sugared {
	var z *zap.Logger
	var err error
	if env == "prod" {
		z, err = zap.NewProduction()
	} else {
		z, err = zap.NewDevelopment()
	}
	if err != nil {
		z = zap.NewNop()
	}
	return z.Sugar().With("service", "lti-tool")
}
