package risk

import (
	"fmt"
	"math"

	"signalPilot/internal/ports"
)

// invalidf wraps a registration problem with ports.ErrConfigurationInvalid.
func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ports.ErrConfigurationInvalid, fmt.Sprintf(format, args...))
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finiteNonNegative(v float64) bool {
	return v >= 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
