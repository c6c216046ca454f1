package loghub

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixml/visualstream/api/pkg/visualstream/executionctx"
)

// hook is the logging handler named in spec §4.4: it reads the
// execution-id a logging filter would otherwise attach from executionctx
// and forwards non-empty-execution-id records to the hub. Run must never
// raise into the logger: local Publish cannot fail, and a failed or
// panicking peer-channel publish is only logged at debug/warn on the
// hub's own logger.
type hook struct {
	hub   *Hub
	ctx   context.Context
	named string
}

// Hook returns a zerolog.Hook that forwards every log event written
// through a logger built on ctx to the hub, tagged with ctx's
// execution-id. A hook bound to a context with no execution-id set is a
// no-op, matching Publish's empty-execution-id no-op behavior.
func (h *Hub) Hook(ctx context.Context, loggerName string) zerolog.Hook {
	return &hook{hub: h, ctx: ctx, named: loggerName}
}

func (hk *hook) Run(_ *zerolog.Event, level zerolog.Level, msg string) {
	executionID := executionctx.ExecutionID(hk.ctx)
	if executionID == "" {
		return
	}
	rec := Record{
		Timestamp: time.Now().UnixMilli(),
		Level:     level.String(),
		Logger:    hk.named,
		Message:   msg,
	}
	hk.hub.Publish(executionID, rec)

	hk.hub.wg.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				hk.hub.logger.Warn().Interface("panic", r).Msg("publish to peer channel panicked; recovered")
			}
		}()
		if err := hk.hub.PublishToPeer(hk.ctx, executionID, rec); err != nil {
			hk.hub.logger.Debug().Err(err).Str("execution_id", executionID).Msg("publish to peer channel failed")
		}
	})
}

// Logger returns base with a hook attached that forwards every record
// logged through it to the hub, tagged with the execution-id carried on
// ctx. Child loggers derived from the result (e.g. via .With()) inherit
// the hook, matching the spec's "inherited by child tasks" requirement
// for the task-local execution-id.
func (h *Hub) Logger(ctx context.Context, base zerolog.Logger, loggerName string) zerolog.Logger {
	return base.Hook(h.Hook(ctx, loggerName))
}
