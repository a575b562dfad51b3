package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fivecall/internal/core/domain"
	"fivecall/internal/core/services"
	"fivecall/internal/infrastructure/media"
	relay "fivecall/internal/infrastructure/signal"
	webrtcinfra "fivecall/internal/infrastructure/webrtc"
	"fivecall/internal/ui"
	"fivecall/pkg/config"
	"fivecall/pkg/logger"
	"fivecall/pkg/retry"
	"fivecall/pkg/validation"
)

func newCallCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "call <passcode>",
		Short: "Join a room and talk for five minutes",
		Example: `  fivecall call 123456
  fivecall call 1234 --server wss://relay.example.com`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCallerConfig(opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runCall(ctx, cfg, opts.verbose, domain.RoomID(args[0]))
		},
	}
}

func loadCallerConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.serverURL != "" {
		if err := validation.ValidateURL(opts.serverURL); err != nil {
			return nil, fmt.Errorf("invalid --server: %w", err)
		}
		cfg.Call.SignalURL = opts.serverURL
	}
	return cfg, nil
}

func runCall(ctx context.Context, cfg *config.Config, verbose bool, roomID domain.RoomID) error {
	level := "error"
	if verbose {
		level = "debug"
	}
	zapLogger := logger.NewWithFormat(level, "console")
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	screen := ui.NewCountdown(os.Stdout)

	negotiations, err := newNegotiationService(cfg, log)
	if err != nil {
		return err
	}

	screen.Status(fmt.Sprintf("Joining room %s...", roomID))
	n, err := negotiations.Start(ctx, roomID)
	if err != nil {
		if n != nil {
			n.Release()
		}
		return describeStartError(err, cfg.Rooms.PasscodeDigits)
	}

	screen.Status("Waiting for the other side...")
	calls := services.NewCallService(services.CallConfig{
		Duration:       cfg.Call.Duration,
		LowTimeAt:      cfg.Call.LowTimeAt,
		LowTimeDisplay: cfg.Call.LowTimeDisplay,
		TickInterval:   cfg.Call.TickInterval,
	}, log.Named("call"))
	call := calls.NewCall(n, screen.OnEvent)

	call.Watch(ctx, n.States())

	if call.Reason() == domain.EndFailed {
		if err := n.Err(); err != nil {
			return fmt.Errorf("%s: %w", ui.EndMessage(domain.EndFailed), err)
		}
	}
	return nil
}

func newNegotiationService(cfg *config.Config, log *zap.SugaredLogger) (*services.NegotiationService, error) {
	retryCfg := retry.DefaultConfig()
	// MaxAttempts counts retries after the first dial
	retryCfg.MaxAttempts = max(cfg.Call.DialAttempts-1, 0)
	retryCfg.InitialDelay = cfg.Call.DialRetryDelay

	dialer := relay.NewDialer(cfg.Call.SignalURL, relay.DialerConfig{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		MaxMessageSize: cfg.Signal.MaxMessageSize,
		Retry:          retryCfg,
	}, log.Named("relay"))

	transports, err := webrtcinfra.NewTransportFactory(webrtcinfra.ConfigFrom(cfg), log.Named("peer"))
	if err != nil {
		return nil, err
	}

	return services.NewNegotiationService(
		dialer,
		media.NewSyntheticSource(log.Named("media")),
		transports,
		validation.NewPasscodeValidator(cfg.Rooms.PasscodeDigits),
		log.Named("negotiation"),
	), nil
}

func describeStartError(err error, digits int) error {
	switch {
	case errors.Is(err, domain.ErrInvalidRoomID):
		return fmt.Errorf("invalid room ID, it must be a %d-digit number", digits)
	case errors.Is(err, domain.ErrMediaAcquisition):
		return fmt.Errorf("could not access audio: %w", err)
	case errors.Is(err, domain.ErrRelayUnavailable):
		return fmt.Errorf("could not reach the signaling server: %w", err)
	}
	return err
}
