package usecase

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/neonvoidvibes/aia-v4-sub001/internal/domain"
	"github.com/neonvoidvibes/aia-v4-sub001/internal/ports"
)

type sessionFinalizer struct {
	control ports.ControlPlane
	events  ports.EventSink
	logger  zerolog.Logger
}

func newSessionFinalizer(control ports.ControlPlane, events ports.EventSink, logger zerolog.Logger) sessionFinalizer {
	return sessionFinalizer{control: control, events: events, logger: logger}
}

// Finalize asks the control plane to close out the session. A failure is
// reported and returned but must never block local teardown; the caller
// releases resources either way.
func (f sessionFinalizer) Finalize(ctx context.Context, sessionID string) (domain.FinalizedRecording, error) {
	record, err := f.control.StopSession(ctx, sessionID)
	if err != nil {
		f.logger.Error().Err(err).Str("session_id", sessionID).Msg("finalize failed; recording must be reconciled server-side")
		f.events.SessionError(domain.ErrorCodeFinalize, "recording could not be finalized: "+err.Error())
		return domain.FinalizedRecording{SessionID: sessionID}, err
	}
	return record, nil
}
