package worker

import (
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

// NewSupervisor restarts any of services that return or panic, backing off
// after repeated failures.
func NewSupervisor(logger *zap.Logger, shutdownTimeout time.Duration, services ...suture.Service) *suture.Supervisor {
	sup := suture.New("payment-recovery-worker", suture.Spec{
		EventHook: func(e suture.Event) {
			logger.Warn("Supervisor event",
				zap.String("event", e.String()),
				zap.Any("detail", e.Map()))
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          shutdownTimeout,
	})
	for _, svc := range services {
		sup.Add(svc)
	}
	return sup
}
