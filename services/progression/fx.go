package progression

import (
	"go.uber.org/fx"
)

var Module = fx.Module("progression.store",
	fx.Provide(NewStore),
)
