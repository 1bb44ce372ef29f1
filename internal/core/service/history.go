package service

import (
	"context"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

// HistoryReporter records outbound calls once the backend has assigned them
// an identifier.
type HistoryReporter struct {
	api      port.BackendAPI
	interval time.Duration
	timeout  time.Duration
}

func NewHistoryReporter(api port.BackendAPI, interval, timeout time.Duration) *HistoryReporter {
	return &HistoryReporter{
		api:      api,
		interval: interval,
		timeout:  timeout,
	}
}

// Track polls b for the call identifier and posts the history entry once.
// The returned func stops polling if the call ends first.
func (r *HistoryReporter) Track(b port.Backend, to, member domain.UserID) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go r.run(ctx, b, to, member)
	return cancel
}

func (r *HistoryReporter) run(ctx context.Context, b port.Backend, to, member domain.UserID) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if callID, ok := b.CallID(); ok {
			r.save(domain.CallHistory{CallID: callID, To: to, MemberID: member})
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *HistoryReporter) save(h domain.CallHistory) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	l := log.With().Str("call_id", h.CallID).Str("to", h.To.String()).Logger()
	if err := r.api.SaveCallHistory(ctx, h); err != nil {
		l.Warn().Err(err).Msg("Failed to save call history")
		return
	}
	l.Debug().Msg("Call history saved")
}
