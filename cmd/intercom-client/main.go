package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/call"
	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/client"
	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/config"
	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/media"
	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/webrtcpeer"
)

func main() {
	cfg, err := config.LoadClient(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("intercom-client exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.ClientConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api, err := webrtcpeer.NewAPI(webrtcpeer.APIConfig{
		Logger:       logger.With("component", "pion"),
		UDPPortRange: cfg.UDPPortRange,
	})
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}

	var audio call.AudioSource
	var player call.Player = media.Discard{}
	switch {
	case cfg.Echo:
		echo, err := media.NewEcho(logger)
		if err != nil {
			return err
		}
		audio, player = echo, echo
		logger.Info("echo mode: callers hear themselves")
	case cfg.AudioFile != "":
		src, err := media.NewFileSource(cfg.AudioFile, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := src.Run(ctx); err != nil {
				logger.Error("audio source stopped", "err", err)
			}
		}()
		audio = src
	default:
		logger.Warn("no --audio-file; calls can be answered but not placed")
	}

	if cfg.RecordDir != "" {
		rec, err := media.NewRecorder(cfg.RecordDir, logger)
		if err != nil {
			return fmt.Errorf("record dir: %w", err)
		}
		player = rec
	}

	cl, err := client.Dial(ctx, client.Config{
		ServerURL:   cfg.ServerURL,
		DisplayName: cfg.DisplayName,
		APIKey:      cfg.APIKey,
		ClientMeta:  map[string]string{"userAgent": userAgent()},
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer cl.Close()

	machine := call.NewMachine(call.Options{
		Logger:     logger,
		Signaler:   cl,
		Transports: &webrtcpeer.Factory{API: api, ICEServers: cfg.ICEServers, Logger: logger},
		LocalAudio: audio,
		Player:     player,
		Accept: func(peerID string) bool {
			if !cfg.AutoAnswer {
				logger.Info("declining call; auto-answer is off", "peer_id", peerID)
			}
			return cfg.AutoAnswer
		},
		RejectWhenBusy: cfg.RejectWhenBusy,
		SetupTimeout:   cfg.SetupTimeout,
		OnStateChange: func(s call.Status) {
			logger.Info("call state", "state", s.State.String(), "peer_id", s.PeerID, "role", s.Role.String())
		},
		OnNotice: func(n call.Notice) {
			if n.Err != nil {
				logger.Warn("call notice", "notice", n.Kind.String(), "peer_id", n.PeerID, "err", n.Err)
				return
			}
			logger.Info("call notice", "notice", n.Kind.String(), "peer_id", n.PeerID)
		},
	})
	machine.SetSelfID(cl.ID())

	machineCtx, cancelMachine := context.WithCancel(ctx)
	machineDone := make(chan struct{})
	go func() {
		defer close(machineDone)
		machine.Run(machineCtx)
	}()

	if err := cl.StartDiscovery(); err != nil {
		cancelMachine()
		<-machineDone
		return fmt.Errorf("start discovery: %w", err)
	}

	if cfg.Call != "" {
		go func() {
			peer, err := cl.WaitForPeer(ctx, cfg.Call)
			if err != nil {
				return
			}
			logger.Info("calling peer", "peer_id", peer.ID, "display_name", peer.DisplayName)
			if err := machine.Initiate(ctx, peer.ID); err != nil {
				logger.Error("call failed", "peer_id", peer.ID, "err", err)
			}
		}()
	}

	// On shutdown, hang up while the socket can still carry callEnded.
	clientCtx, cancelClient := context.WithCancel(context.Background())
	defer cancelClient()
	go func() {
		select {
		case <-ctx.Done():
			machine.End()
			cancelClient()
		case <-clientCtx.Done():
		}
	}()

	runErr := cl.Run(clientCtx, machine)
	cancelMachine()
	<-machineDone

	if ctx.Err() != nil {
		logger.Info("shutdown signal received")
		return nil
	}
	return fmt.Errorf("signaling connection lost: %w", runErr)
}

func userAgent() string {
	version := "devel"
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 7 {
				version = s.Value[:7]
			}
		}
	}
	return fmt.Sprintf("intercom-client/%s (%s/%s)", version, runtime.GOOS, runtime.GOARCH)
}
