package resilience

import "github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/config"

// RetryFromConfig converts the retry section of the config file.
func RetryFromConfig(c config.RetryConfig) RetryConfig {
	return RetryConfig{
		MaxAttempts:  c.MaxAttempts,
		InitialDelay: c.InitialDelay,
		MaxDelay:     c.MaxDelay,
		Multiplier:   c.Multiplier,
	}
}

// BreakerFromConfig converts the breaker section of the config file.
func BreakerFromConfig(c config.BreakerConfig) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: c.FailureThreshold,
		ResetTimeout:     c.ResetTimeout,
	}
}
