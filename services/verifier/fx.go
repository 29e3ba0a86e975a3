package verifier

import (
	"go.uber.org/fx"
)

var Module = fx.Module("verifier.service",
	fx.Provide(NewVerifier),
)
