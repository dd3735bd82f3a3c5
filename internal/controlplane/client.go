package controlplane

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/neonvoidvibes/aia-v4-sub001/internal/domain"
	"github.com/neonvoidvibes/aia-v4-sub001/internal/ports"
)

// Config controls control plane HTTP settings.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client implements ports.ControlPlane over the recording service HTTP API.
type Client struct {
	http   *resty.Client
	logger zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.Token != "" {
		http.SetAuthToken(cfg.Token)
	}
	return &Client{
		http:   http,
		logger: logger.With().Str("component", "control_plane").Logger(),
	}
}

type startSessionBody struct {
	AgentID             string `json:"agent_id"`
	Language            string `json:"language,omitempty"`
	DetectorSensitivity string `json:"detector_sensitivity,omitempty"`
}

type startSessionResponse struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error,omitempty"`
}

type stopSessionResponse struct {
	SessionID   string `json:"session_id"`
	ReferenceID string `json:"reference_id"`
	Error       string `json:"error,omitempty"`
}

// StartSession asks the control plane to mint a session id for a new
// recording. The request id makes retried starts idempotent on the server.
func (c *Client) StartSession(ctx context.Context, req ports.StartSessionRequest) (string, error) {
	requestID := uuid.NewString()

	var parsed startSessionResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-Request-Id", requestID).
		SetBody(startSessionBody{
			AgentID:             req.AgentID,
			Language:            req.Language,
			DetectorSensitivity: req.DetectorSensitivity,
		}).
		SetResult(&parsed).
		SetError(&parsed).
		Post("/sessions")
	if err != nil {
		return "", fmt.Errorf("failed to reach control plane: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("control plane rejected session start (%s): %s",
			resp.Status(), errorDetail(parsed.Error))
	}
	if parsed.SessionID == "" {
		return "", fmt.Errorf("control plane returned no session id")
	}

	c.logger.Info().
		Str("session_id", parsed.SessionID).
		Str("request_id", requestID).
		Msg("session accepted by control plane")
	return parsed.SessionID, nil
}

// StopSession finalizes the recording on the control plane. A failure here is
// reported to the caller but never retried; the session is over either way.
func (c *Client) StopSession(ctx context.Context, sessionID string) (domain.FinalizedRecording, error) {
	var parsed stopSessionResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&parsed).
		SetError(&parsed).
		Post("/sessions/" + sessionID + "/stop")
	if err != nil {
		return domain.FinalizedRecording{}, fmt.Errorf("failed to reach control plane: %w", err)
	}
	if resp.IsError() {
		return domain.FinalizedRecording{}, fmt.Errorf("control plane rejected finalize (%s): %s",
			resp.Status(), errorDetail(parsed.Error))
	}

	record := domain.FinalizedRecording{
		SessionID:   sessionID,
		ReferenceID: parsed.ReferenceID,
	}
	c.logger.Info().
		Str("session_id", sessionID).
		Str("reference_id", record.ReferenceID).
		Msg("session finalized")
	return record, nil
}

func errorDetail(detail string) string {
	if detail == "" {
		return "no detail provided"
	}
	return detail
}
