package protolog

import (
	"github.com/rs/zerolog"
)

// ZerologAdapter mirrors protocol events into a zerolog.Logger.
// Useful for development when you want protocol events in console output.
type ZerologAdapter struct {
	logger zerolog.Logger
}

// NewZerologAdapter creates an adapter that writes to the given logger.
func NewZerologAdapter(logger zerolog.Logger) *ZerologAdapter {
	return &ZerologAdapter{logger: logger}
}

// Log writes the event to the zerolog logger. Frames log at trace level,
// state changes at debug, errors at warn.
func (a *ZerologAdapter) Log(event Event) {
	var entry *zerolog.Event
	switch event.Category {
	case CategoryError:
		entry = a.logger.Warn()
	case CategoryState:
		entry = a.logger.Debug()
	default:
		entry = a.logger.Trace()
	}

	entry = entry.
		Str("conn_id", event.ConnectionID).
		Str("direction", event.Direction.String()).
		Str("category", event.Category.String())

	if event.RemoteAddr != "" {
		entry = entry.Str("remote_addr", event.RemoteAddr)
	}

	switch {
	case event.Frame != nil:
		entry = entry.
			Int("frame_size", event.Frame.Size).
			Bool("truncated", event.Frame.Truncated)
	case event.StateChange != nil:
		entry = entry.
			Str("old_state", event.StateChange.OldState).
			Str("new_state", event.StateChange.NewState)
		if event.StateChange.Reason != "" {
			entry = entry.Str("reason", event.StateChange.Reason)
		}
	case event.Error != nil:
		entry = entry.Str("error_msg", event.Error.Message)
		if event.Error.Context != "" {
			entry = entry.Str("error_context", event.Error.Context)
		}
	}

	entry.Msg("protocol")
}

// Compile-time interface satisfaction check.
var _ Logger = (*ZerologAdapter)(nil)
