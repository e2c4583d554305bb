package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type flakyService struct {
	starts atomic.Int32
}

func (s *flakyService) Serve(ctx context.Context) error {
	if s.starts.Add(1) == 1 {
		return errors.New("broker connection lost")
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestSupervisorRestartsFailedService(t *testing.T) {
	svc := &flakyService{}
	sup := NewSupervisor(zap.NewNop(), time.Second, svc)

	ctx, cancel := context.WithCancel(context.Background())
	done := sup.ServeBackground(ctx)

	assert.Eventually(t, func() bool { return svc.starts.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}
