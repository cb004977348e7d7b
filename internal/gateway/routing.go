package gateway

import (
	"github.com/chargegate/chargegate/internal/providers"
)

// resolveProvider returns the provider name for the given model and
// whether the model is known at all. Unknown models are rejected before
// any billing work happens.
func resolveProvider(model string) (string, bool) {
	name, ok := providers.ModelAliases[model]
	return name, ok
}
