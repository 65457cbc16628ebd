package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dkeye/Mesh/internal/adapters/rtc"
	sig "github.com/dkeye/Mesh/internal/adapters/signal"
	"github.com/dkeye/Mesh/internal/config"
	"github.com/dkeye/Mesh/internal/connectivity"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/negotiation"
	"github.com/dkeye/Mesh/internal/protocol"
	"github.com/dkeye/Mesh/internal/session"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	flagServer    string
	flagName      string
	flagRoom      string
	flagICEConfig string
	flagSTUN      []string
	flagThreshold int
	flagAudio     bool
	flagConfig    string
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room and stay connected until interrupted",
	Long: `Join a room and negotiate links with every member.

Lines typed on stdin are sent as chat. Commands:
  /mute <id>   /unmute <id>   /mute-all   /unmute-all   /leave

Examples:
  peer join --server ws://localhost:8080/api/ws/signal --name bot
  peer join --server ws://localhost:8080/api/ws/signal --name bot --room standup --audio`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(flagConfig)
		if err != nil {
			return err
		}
		opts := resolveOptions(cfg, cmd.Flags().Changed)
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return runJoin(ctx, opts)
	},
}

func init() {
	joinCmd.Flags().StringVar(&flagServer, "server", "ws://localhost:8080/api/ws/signal", "coordinator websocket url")
	joinCmd.Flags().StringVar(&flagName, "name", "peer", "display name")
	joinCmd.Flags().StringVar(&flagRoom, "room", "", "room id (coordinator default when empty)")
	joinCmd.Flags().StringVar(&flagICEConfig, "ice-config", "", "relay configuration url, e.g. http://localhost:8080/api/ice-config")
	joinCmd.Flags().StringSliceVar(&flagSTUN, "stun", connectivity.DefaultSTUN, "STUN urls for direct links")
	joinCmd.Flags().IntVar(&flagThreshold, "threshold", connectivity.DefaultThreshold, "links beyond this count use relays")
	joinCmd.Flags().BoolVar(&flagAudio, "audio", false, "offer a local opus track on every link")
	joinCmd.Flags().StringVar(&flagConfig, "config", "", "config file (config/config.<CONFIG_ENV>.yaml when empty)")
}

// joinOptions are the connectivity settings of one run.
type joinOptions struct {
	ICEConfig string
	STUN      []string
	Threshold int
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}

// resolveOptions takes connectivity settings from cfg unless the matching
// flag was set on the command line.
func resolveOptions(cfg *config.Config, changed func(name string) bool) joinOptions {
	opts := joinOptions{ICEConfig: flagICEConfig, STUN: flagSTUN, Threshold: flagThreshold}
	if !changed("ice-config") && cfg.ICEConfigURL != "" {
		opts.ICEConfig = cfg.ICEConfigURL
	}
	if !changed("stun") && len(cfg.STUNURLs) > 0 {
		opts.STUN = cfg.STUNURLs
	}
	if !changed("threshold") && cfg.MeshThreshold > 0 {
		opts.Threshold = cfg.MeshThreshold
	}
	return opts
}

func runJoin(ctx context.Context, opts joinOptions) error {
	provider := connectivity.NewProvider(opts.ICEConfig, opts.STUN)
	if err := provider.Load(ctx); err != nil {
		log.Warn().Err(err).Str("module", "peer").Msg("relay configuration unavailable")
	}

	ch, err := sig.Dial(ctx, flagServer, nil)
	if err != nil {
		return err
	}
	defer ch.Close()

	factory := &rtc.Factory{Provider: provider, OnTrack: drainRemote}
	ctrl := session.NewController(ch, factory, connectivity.NewPolicy(opts.Threshold), handlers())

	if flagAudio {
		track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "mic", flagName)
		if err != nil {
			return fmt.Errorf("local track: %w", err)
		}
		if err := ctrl.AttachTrack(track); err != nil {
			return err
		}
	}

	if err := ctrl.Join(flagName, flagRoom); err != nil {
		return err
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go readCommands(runCtx, stop, ctrl)

	err = ctrl.Run(runCtx)
	_ = ctrl.Leave()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func handlers() session.Handlers {
	return session.Handlers{
		OnJoined: func(self domain.UserID, role domain.Role, room domain.RoomID, members []core.MemberDTO) {
			log.Info().Str("module", "peer").Str("self", string(self)).Str("role", string(role)).
				Str("room", string(room)).Int("members", len(members)).Msg("joined")
		},
		OnUserJoined: func(m core.MemberDTO) {
			log.Info().Str("module", "peer").Str("id", string(m.ID)).Str("name", m.Name).Msg("user joined")
		},
		OnUserLeft: func(id domain.UserID) {
			log.Info().Str("module", "peer").Str("id", string(id)).Msg("user left")
		},
		OnRoles: func(members []core.MemberDTO) {
			for _, m := range members {
				log.Info().Str("module", "peer").Str("id", string(m.ID)).Str("role", string(m.Role)).Msg("role")
			}
		},
		OnChat: func(m protocol.Chat) {
			log.Info().Str("module", "peer").Str("from", m.Name).Int64("ts", m.ServerTimestamp).Msg(m.Text)
		},
		OnMuteRequest: func(m protocol.MuteRequest) {
			log.Info().Str("module", "peer").Str("by", string(m.ByID)).Bool("muted", m.Muted).Msg("mute request")
		},
		OnServerError: func(reason string) {
			log.Warn().Str("module", "peer").Str("reason", reason).Msg("coordinator error")
		},
		OnLinkState: func(peer domain.UserID, s negotiation.State) {
			log.Info().Str("module", "peer").Str("peer", string(peer)).Str("state", s.String()).Msg("link")
		},
		OnLinkError: func(peer domain.UserID, err error) {
			log.Warn().Err(err).Str("module", "peer").Str("peer", string(peer)).Msg("link error")
		},
	}
}

func drainRemote(peer domain.UserID, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	go func() {
		var packets int
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				log.Debug().Str("module", "peer").Str("peer", string(peer)).Int("packets", packets).Msg("remote track ended")
				return
			}
			packets++
		}
	}()
}

func readCommands(ctx context.Context, stop context.CancelFunc, ctrl *session.Controller) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := runCommand(ctrl, line, stop); err != nil {
			log.Warn().Err(err).Str("module", "peer").Str("input", line).Msg("command failed")
		}
	}
}

func runCommand(ctrl *session.Controller, line string, stop context.CancelFunc) error {
	if !strings.HasPrefix(line, "/") {
		return ctrl.Chat(line)
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "/leave":
		stop()
		return nil
	case "/mute-all":
		return ctrl.MuteAll(true)
	case "/unmute-all":
		return ctrl.MuteAll(false)
	case "/mute", "/unmute":
		if len(fields) != 2 {
			return fmt.Errorf("usage: %s <id>", fields[0])
		}
		return ctrl.MuteOne(domain.UserID(fields[1]), fields[0] == "/mute")
	default:
		return fmt.Errorf("unknown command %s", fields[0])
	}
}
