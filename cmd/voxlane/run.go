package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxlane/voxlane/internal/config"
	"github.com/voxlane/voxlane/pkg/auth"
	"github.com/voxlane/voxlane/pkg/core/audio"
	"github.com/voxlane/voxlane/pkg/core/capture"
	"github.com/voxlane/voxlane/pkg/core/events"
	"github.com/voxlane/voxlane/pkg/core/playback"
	"github.com/voxlane/voxlane/pkg/core/session"
	"github.com/voxlane/voxlane/pkg/core/tools"
	"github.com/voxlane/voxlane/pkg/core/types"
	"github.com/voxlane/voxlane/pkg/core/video"
	"github.com/voxlane/voxlane/pkg/settings"
)

func newRunCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start a live conversation session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return runLive(cmd.Context(), cfg)
		},
	}
}

func runLive(parent context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := settings.Open(cfg.SettingsDB)
	if err != nil {
		return err
	}
	defer store.Close()

	profile, err := store.Get(ctx, cfg.UserID)
	if err != nil {
		return err
	}
	voice := cfg.Voice
	if profile.Voice != "" {
		voice = profile.Voice
	}
	persona := cfg.SystemInstruction
	if profile.Persona != "" {
		persona = profile.Persona
	}

	provider := auth.NewStaticProvider(cfg.APIKey)
	bus := events.NewBus()
	defer bus.Close()

	client := session.NewClient(bus, session.Options{
		Endpoint:    endpointWithKey(cfg.Endpoint, cfg.APIKey),
		Credentials: provider,
		Reconnect:   reconnectPolicy(cfg.Reconnect),
	})

	sink, err := playback.NewFFplaySink(audio.PlaybackFormat)
	if err != nil {
		return err
	}
	player := playback.NewPlayer(bus, sink, playback.Options{})
	player.Start()
	defer player.Close()

	mic := capture.NewPipeline(bus, client, func() (capture.Source, error) {
		return capture.NewFFmpegSource()
	}, capture.Options{FrameDuration: cfg.FrameDuration()})

	camera := video.NewPipeline(bus, client, func() (video.FrameSource, error) {
		return video.NewFFmpegFrameSource()
	}, video.Options{
		FrameInterval: cfg.VideoInterval(),
		JPEGQuality:   cfg.Video.JPEGQuality,
	})

	dispatcher := tools.NewDispatcher(bus, client, tools.Options{Credentials: provider})
	dispatcher.Register("current_time", tools.HandlerFunc(currentTimeTool))
	go dispatcher.Run(ctx)

	go printEvents(ctx, bus)

	connCfg := &types.ConnectionConfig{
		Model:             cfg.Model,
		Voice:             voice,
		SystemInstruction: persona,
		Tools: []types.ToolDeclaration{{
			Name:        "current_time",
			Description: "Returns the client's current local time.",
		}},
	}
	if err := client.Connect(ctx, connCfg); err != nil {
		return err
	}
	defer client.Disconnect()

	if err := mic.Start(); err != nil {
		return err
	}
	defer mic.Stop()

	if cfg.Video.Enabled {
		if err := camera.Start(); err != nil {
			slog.Warn("video disabled", "error", err)
		}
		defer camera.Stop()
	}

	fmt.Println("voxlane is live. Commands: /mute /unmute /video on|off /quit")
	return commandLoop(ctx, mic, camera, player)
}

func endpointWithKey(endpoint, apiKey string) string {
	if apiKey == "" {
		return endpoint
	}
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + "key=" + url.QueryEscape(apiKey)
}

func reconnectPolicy(rc config.Reconnect) session.ReconnectPolicy {
	if !rc.Enabled {
		return session.ReconnectPolicy{}
	}
	policy := session.DefaultReconnectPolicy()
	if rc.InitialDelayMS > 0 {
		policy.InitialDelay = time.Duration(rc.InitialDelayMS) * time.Millisecond
	}
	if rc.MaxDelayMS > 0 {
		policy.MaxDelay = time.Duration(rc.MaxDelayMS) * time.Millisecond
	}
	if rc.MaxAttempts > 0 {
		policy.MaxAttempts = rc.MaxAttempts
	}
	return policy
}

func currentTimeTool(ctx context.Context, args map[string]any, _ auth.Context) (string, error) {
	return time.Now().Format(time.RFC1123), nil
}

// printEvents renders session lifecycle events for the terminal user.
// Volume events are deliberately skipped; they are for graphical meters.
func printEvents(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe(
		events.TypeStatus, events.TypeOpen, events.TypeClose,
		events.TypeError, events.TypeInterrupted,
	)
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			switch e := ev.(type) {
			case events.StatusEvent:
				fmt.Printf("[session] %s\n", e.Status)
			case events.OpenEvent:
				fmt.Printf("[session] open id=%s\n", e.SessionID)
			case events.CloseEvent:
				fmt.Printf("[session] closed code=%d reason=%s\n", e.Code, e.Reason)
			case events.InterruptedEvent:
				fmt.Println("[session] interrupted")
			case events.ErrorEvent:
				if e.Terminal {
					fmt.Printf("[error] %s: %s (terminal)\n", e.Code, e.Message)
				} else {
					fmt.Printf("[error] %s: %s\n", e.Code, e.Message)
				}
			}
		}
	}
}

func commandLoop(ctx context.Context, mic *capture.Pipeline, camera *video.Pipeline, player *playback.Player) error {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch {
			case line == "/quit":
				return nil
			case line == "/mute":
				mic.SetMuted(true)
				fmt.Println("[mic] muted")
			case line == "/unmute":
				mic.SetMuted(false)
				fmt.Println("[mic] unmuted")
			case line == "/silence":
				player.SetMuted(true)
				fmt.Println("[speaker] muted")
			case line == "/unsilence":
				player.SetMuted(false)
				fmt.Println("[speaker] unmuted")
			case line == "/video on":
				if err := camera.Start(); err != nil {
					fmt.Println("[video]", err)
				} else {
					fmt.Println("[video] on")
				}
			case line == "/video off":
				camera.Stop()
				fmt.Println("[video] off")
			case strings.TrimSpace(line) == "":
			default:
				fmt.Println("commands: /mute /unmute /silence /unsilence /video on|off /quit")
			}
		}
	}
}
