package health

import (
	"context"

	"github.com/saiset-co/sai-vary-cache/types"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports the backing store unhealthy when it does not answer a
// ping.
func PingChecker(pinger Pinger, details map[string]interface{}) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		if err := pinger.Ping(ctx); err != nil {
			return types.HealthCheck{
				Status:  types.StatusUnhealthy,
				Message: err.Error(),
				Details: details,
			}
		}

		return types.HealthCheck{
			Status:  types.StatusHealthy,
			Details: details,
		}
	}
}
