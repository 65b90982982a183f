package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BioHazard786/warpcall/internal/call"
	"github.com/BioHazard786/warpcall/internal/config"
	"github.com/BioHazard786/warpcall/internal/rtc"
	"github.com/BioHazard786/warpcall/internal/ui"
	"github.com/spf13/cobra"
)

const leaveTimeout = 10 * time.Second

var (
	flagDomain   string
	flagServer   string
	flagSTUN     string
	flagTURN     string
	flagTURNUser string
	flagTURNPass string
	flagRelay    bool

	flagName   string
	flagSelfID string
	flagAudio  string
	flagVideo  string
	flagInvite []string
	flagLocal  bool
	flagDB     string

	flagConnectTimeout time.Duration
	flagRetryBackoff   time.Duration
	flagMaxRetries     int
)

var joinCmd = &cobra.Command{
	Use:     "join [room-id]",
	Aliases: []string{"j"},
	Short:   "Join or start a mesh call",
	Long: `Join a call room and connect directly to everyone in it. Without a room ID
a new room is created on the relay and its link is printed to share.

Examples:
  warpcall join
  warpcall join kitten-waffle-stardust-happy
  warpcall join --video clip.ivf --name alice kitten-waffle-stardust-happy
  warpcall join --invite bob --invite carol
  warpcall join --local --db ./calls.db standup`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var roomID string
		if len(args) == 1 {
			roomID = args[0]
		}
		return joinCall(cmd.Context(), roomID)
	},
}

func joinCall(ctx context.Context, roomID string) error {
	cfg, err := LoadConfig(config.Options{
		Domain:         flagDomain,
		ServerURL:      flagServer,
		STUNServer:     flagSTUN,
		TURNServer:     flagTURN,
		TURNUser:       flagTURNUser,
		TURNPass:       flagTURNPass,
		ForceRelay:     flagRelay,
		DisplayName:    flagName,
		AudioFile:      flagAudio,
		VideoFile:      flagVideo,
		ConnectTimeout: flagConnectTimeout,
		RetryBackoff:   flagRetryBackoff,
		MaxRetries:     flagMaxRetries,
		StorePath:      flagDB,
	})
	if err != nil {
		return err
	}
	log := slog.Default()

	stopSpinner := ui.RunConnectionSpinner("Connecting to server...")
	defer stopSpinner()
	conn, err := NewConnectionContext(ctx, cfg, flagLocal, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	created := false
	if roomID == "" {
		if roomID, err = conn.CreateRoom(ctx, flagInvite); err != nil {
			return err
		}
		created = true
	}
	stopSpinner()

	displayRoomInfo(roomID, cfg, created)

	if !cfg.ForceRelay && rtc.ShouldForceRelay() {
		ui.PrintWarning("VPN or CGNAT detected, routing media through TURN")
	}

	factory, err := rtc.NewFactory(rtc.Options{
		Configuration: rtc.ICEConfiguration(cfg),
		Logger:        log,
	})
	if err != nil {
		return call.NewError("create peer connection factory", err)
	}

	session := call.NewSession(call.Deps{
		Registry:   conn.Backend,
		Signals:    conn.Backend,
		Notifier:   conn.Backend,
		Media:      rtc.NewMedia(rtc.MediaOptions{AudioFile: cfg.AudioFile, VideoFile: cfg.VideoFile, Logger: log}),
		Transports: factory,
	}, call.Options{
		SelfID:      flagSelfID,
		DisplayName: cfg.DisplayName,
		Constraints: call.Constraints{Audio: true, Video: cfg.VideoFile != ""},
		Invite:      flagInvite,
		Supervisor: call.SupervisorConfig{
			ConnectTimeout: cfg.ConnectTimeout,
			RetryBackoff:   cfg.RetryBackoff,
			MaxRetries:     cfg.MaxRetries,
		},
		Logger: log,
	})

	stopSpinner = ui.RunSpinner("Joining call...")
	defer stopSpinner()
	if err := session.Join(ctx, roomID); err != nil {
		return err
	}
	stopSpinner()

	callUI := ui.NewCallUI(session, session.Updates(), ui.CallUIOptions{
		RoomLink:   cfg.GetRoomLink(roomID),
		MaxRetries: cfg.MaxRetries,
	})

	stopNotices := conn.OnIncomingCall(session.SelfID(), func(room, caller string) {
		if room != roomID {
			callUI.Notify(fmt.Sprintf("%s %s started a call in %s", ui.IconIncoming, caller, room))
		}
	})
	defer stopNotices()

	callUI.Start()
	uiDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			callUI.Stop()
		case <-uiDone:
		}
	}()
	_, uiErr := callUI.Wait()
	close(uiDone)

	leaveCtx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := session.Leave(leaveCtx); err != nil {
		return err
	}
	if uiErr != nil {
		return uiErr
	}

	ui.PrintSuccessf("Left room %s", roomID)
	return nil
}

func displayRoomInfo(roomID string, cfg *config.Config, created bool) {
	fmt.Println()
	ui.RenderRoomInfo(roomID, cfg.GetRoomLink(roomID), created)
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringVarP(&flagDomain, "domain", "d", "", "Custom domain")
	joinCmd.Flags().StringVar(&flagServer, "server", "", "Relay websocket URL (overrides --domain)")
	joinCmd.Flags().StringVarP(&flagSTUN, "stun", "s", "", "Custom STUN server")
	joinCmd.Flags().StringVarP(&flagTURN, "turn", "t", "", "Custom TURN server")
	joinCmd.Flags().StringVarP(&flagTURNUser, "turn-user", "u", "", "TURN username")
	joinCmd.Flags().StringVarP(&flagTURNPass, "turn-pass", "p", "", "TURN password")
	joinCmd.Flags().BoolVarP(&flagRelay, "relay", "r", false, "Force relay mode")

	joinCmd.Flags().StringVarP(&flagName, "name", "n", "", "Display name shown to other participants")
	joinCmd.Flags().StringVar(&flagSelfID, "id", "", "Participant ID (random by default)")
	joinCmd.Flags().StringVar(&flagAudio, "audio", "", "Ogg/Opus file to play as the microphone (silence by default)")
	joinCmd.Flags().StringVar(&flagVideo, "video", "", "IVF file to play as the camera (no video by default)")
	joinCmd.Flags().StringArrayVarP(&flagInvite, "invite", "i", nil, "Participant ID to alert when the call starts (repeatable)")
	joinCmd.Flags().BoolVar(&flagLocal, "local", false, "Use a shared database file instead of the relay")
	joinCmd.Flags().StringVar(&flagDB, "db", "", "Database file for --local")

	joinCmd.Flags().DurationVar(&flagConnectTimeout, "connect-timeout", 0, "Time allowed for one connection attempt (default 15s)")
	joinCmd.Flags().DurationVar(&flagRetryBackoff, "retry-backoff", 0, "Delay before retrying a failed connection (default 2s)")
	joinCmd.Flags().IntVar(&flagMaxRetries, "max-retries", 0, "Retries before a peer is reported unreachable (default 3)")
}
