package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	recorder "github.com/neonvoidvibes/aia-v4-sub001"
	"github.com/neonvoidvibes/aia-v4-sub001/internal/capture"
	"github.com/neonvoidvibes/aia-v4-sub001/internal/domain"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string

	rootCmd := &cobra.Command{
		Use:           "aiarec",
		Short:         "Resilient streaming audio recorder",
		Long:          "aiarec captures microphone audio and streams it to a remote recording service, buffering locally through connection loss and self-healing stalled capture.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(
		newRecordCmd(&logLevel),
		newDevicesCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "aiarec %s (%s)\n", Version, Commit)
			return err
		},
	}
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List available audio input devices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			devices, err := capture.ListInputDevices()
			if err != nil {
				return err
			}
			for _, device := range devices {
				marker := " "
				if device.Default {
					marker = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %-40s %d ch  %.0f Hz\n",
					marker, device.Name, device.Channels, device.SampleRate)
			}
			return nil
		},
	}
}

func newRecordCmd(logLevel *string) *cobra.Command {
	var metricsAddr string

	recordCmd := &cobra.Command{
		Use:   "record",
		Short: "Record and stream until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger(*logLevel)

			rec, err := recorder.New(&consoleSink{logger: logger}, logger)
			if err != nil {
				return fmt.Errorf("failed to assemble recorder: %w", err)
			}

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(rec.Registry(), promhttp.HandlerOpts{}))
				server := &http.Server{Addr: metricsAddr, Handler: mux}
				go func() {
					if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error().Err(err).Msg("metrics server failed")
					}
				}()
				defer server.Close()
				logger.Info().Str("addr", metricsAddr).Msg("metrics exposed")
			}

			session, err := rec.Start(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to start recording: %w", err)
			}
			logger.Info().Str("session_id", session.ID).Msg("recording; press Ctrl-C to stop")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case sig := <-sigCh:
				logger.Info().Str("signal", sig.String()).Msg("shutting down")
			case <-cmd.Context().Done():
			}

			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			record, err := rec.Stop(stopCtx)
			if err != nil {
				return fmt.Errorf("recording stopped but finalize failed: %w", err)
			}
			if record.ReferenceID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "recording finalized: %s\n", record.ReferenceID)
			}
			return nil
		},
	}
	recordCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address (e.g. :9090)")
	return recordCmd
}

func newLogger(level string) zerolog.Logger {
	parsed := zerolog.InfoLevel
	if level != "" {
		if l, err := zerolog.ParseLevel(level); err == nil {
			parsed = l
		}
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(writer).Level(parsed).With().Timestamp().Logger()
}

// consoleSink renders backend events to the log.
type consoleSink struct {
	logger zerolog.Logger
}

func (s *consoleSink) SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason) {
	s.logger.Info().
		Str("state", string(state)).
		Str("reason", string(reason)).
		Msg(recorder.SessionReasonMessage(reason))
}

func (s *consoleSink) ConnectionStateChanged(state domain.ConnectionState) {
	s.logger.Info().Str("connection", string(state)).Msg("connection state changed")
}

func (s *consoleSink) SessionSignal(kind domain.SignalKind, detail string) {
	s.logger.Warn().Str("signal", string(kind)).Str("detail", detail).Msg(recorder.SignalMessage(kind))
}

func (s *consoleSink) SessionError(code domain.ErrorCode, detail string) {
	s.logger.Error().Str("code", string(code)).Str("detail", detail).Msg(recorder.ErrorMessage(code, detail))
}
