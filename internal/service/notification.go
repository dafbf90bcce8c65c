package service

import (
	"context"
	"sync"
	"time"

	"cardvault-backend/internal/domain"
	"cardvault-backend/internal/logger"
)

// AlertFanout delivers each low-stock alert to every sink on its own
// goroutine. Callers never wait on delivery.
type AlertFanout struct {
	sinks   []AlertSink
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewAlertFanout(timeout time.Duration, sinks ...AlertSink) *AlertFanout {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AlertFanout{sinks: sinks, timeout: timeout}
}

func (f *AlertFanout) NotifyLowStock(ctx context.Context, alert domain.LowStockAlert) {
	logger.Warn("Low stock", "tenantID", alert.TenantID, "productID", alert.ProductID,
		"remaining", alert.Remaining, "threshold", alert.Threshold)

	for _, sink := range f.sinks {
		f.wg.Add(1)
		go func(sink AlertSink) {
			defer f.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Alert sink panicked", "sink", sink.Name(), "panic", r)
				}
			}()

			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
			defer cancel()
			if err := sink.SendLowStockAlert(sendCtx, alert); err != nil {
				logger.Error("Failed to deliver low-stock alert", "sink", sink.Name(), "productID", alert.ProductID, "error", err)
			}
		}(sink)
	}
}

// Wait blocks until every in-flight delivery has finished. Used on shutdown.
func (f *AlertFanout) Wait() {
	f.wg.Wait()
}
