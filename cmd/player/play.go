package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/backend"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/config"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/gamesync"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/media"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/mesh"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/peer"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/profile"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/realtime"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/signaling"
)

type playOptions struct {
	code     string
	user     string
	name     string
	password string
	noMedia  bool
}

func newPlayCmd() *cobra.Command {
	v := config.NewViper()
	var opts playOptions

	cmd := &cobra.Command{
		Use:   "play",
		Short: "Join a room and stay connected until the game ends.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load(v)
			if err := cfg.ValidatePlayer(); err != nil {
				return err
			}
			if opts.code == "" || opts.user == "" {
				return errors.New("--code and --user are required")
			}
			return play(cmd.Context(), cfg, opts)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&opts.code, "code", "", "room code")
	fs.StringVar(&opts.user, "user", "", "user id")
	fs.StringVar(&opts.name, "name", "", "display name; defaults to the saved profile")
	fs.StringVar(&opts.password, "password", "", "room password")
	fs.BoolVar(&opts.noMedia, "no-media", false, "join without camera and microphone")
	config.PlayerFlags(fs)
	fs.BoolP(config.KeyVerbose, "v", false, "display debug output (env: BUNKER_VERBOSE)")
	config.BindFlags(v, fs)
	return cmd
}

func play(ctx context.Context, cfg config.Config, opts playOptions) error {
	logger := config.NewLogger(cfg.Verbose)
	log := logrus.NewEntry(logger).WithFields(logrus.Fields{"room": opts.code, "user": opts.user})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := profile.Open(cfg.ProfileDB)
	if err != nil {
		return err
	}
	defer store.Close()

	name, err := displayName(ctx, store, opts)
	if err != nil {
		return err
	}

	rt, err := realtime.NewClient(cfg.RelayURL, realtime.Options{MemberID: opts.user, Log: log})
	if err != nil {
		return err
	}
	defer rt.Close()

	bc, err := backend.New(cfg.BackendURL, cfg.BackendToken, nil, log)
	if err != nil {
		return err
	}

	gs := gamesync.New(bc, rt, gamesync.Options{
		Code:     opts.code,
		UserID:   opts.user,
		Name:     name,
		Password: opts.password,
		Log:      log,
	})

	var (
		coord    atomic.Pointer[mesh.Coordinator]
		loaded   = make(chan struct{})
		loadOnce sync.Once
		last     gamesync.State
	)
	gs.OnChange(func(st gamesync.State) {
		logTransition(log, last, st)
		last = st
		if st.Loaded {
			loadOnce.Do(func() { close(loaded) })
		}
		if c := coord.Load(); c != nil && st.Terminal == "" {
			if err := c.SetRoster(gamesync.Roster(st)); err != nil && !errors.Is(err, mesh.ErrStopped) {
				log.WithError(err).Warn("failed to update roster")
			}
		}
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	syncErr := make(chan error, 1)
	go func() { syncErr <- gs.Run(ctx) }()

	select {
	case <-loaded:
	case err := <-syncErr:
		return sessionResult(log, gs.State(), err)
	case <-ctx.Done():
		return nil
	}

	st := gs.State()
	var meshDone chan error
	if st.CurrentPlayerID == "" {
		log.WithField("spectator", st.CurrentSpectatorID).Info("watching as spectator")
	} else {
		c, err := newMesh(cfg, rt, st, store, opts, log)
		if err != nil {
			return err
		}
		meshDone = make(chan error, 1)
		go func() { meshDone <- c.Run(ctx) }()
		coord.Store(c)

		if err := c.SetRoster(gamesync.Roster(gs.State())); err != nil {
			return err
		}
		if !opts.noMedia {
			go func() {
				if err := c.AcquireMedia(ctx); err != nil && !errors.Is(err, mesh.ErrStopped) {
					log.WithError(err).Warn("joined without camera and microphone")
				}
			}()
		}
		c.OnChange(func(v mesh.View) {
			log.WithFields(logrus.Fields{
				"peers":        len(v.Peers),
				"streams":      len(v.Streams),
				"reconnecting": len(v.Reconnecting),
			}).Debug("mesh changed")
		})
	}

	err = <-syncErr
	cancel()
	if meshDone != nil {
		<-meshDone
	}
	return sessionResult(log, gs.State(), err)
}

// newMesh は自分のプレイヤーIDでシグナリングに参加する Coordinator を作ります
func newMesh(cfg config.Config, rt *realtime.Client, st gamesync.State, store *profile.Store, opts playOptions, log *logrus.Entry) (*mesh.Coordinator, error) {
	api, err := peer.NewAPI(peer.APIOptions{
		UDPPortMin: uint16(cfg.UDPPortMin),
		UDPPortMax: uint16(cfg.UDPPortMax),
	})
	if err != nil {
		return nil, err
	}
	factory := peer.Factory{
		API:    api,
		Config: peer.Configuration(cfg.ICEServers, cfg.ICEUsername, cfg.ICECredential),
		Log:    log,
	}
	sig := signaling.NewClient(rt, st.Room.ID, st.CurrentPlayerID, signaling.Options{Log: log})

	meshOpts := mesh.Options{Log: log}
	if !opts.noMedia {
		codecs, err := codecSelector()
		if err != nil {
			return nil, err
		}
		prefs := userPreferences{store: store, userID: opts.user}
		meshOpts.Media = media.NewAcquirer(media.NewDeviceBackend(codecs, log), prefs, log)
	}
	return mesh.New(sig, factory, meshOpts), nil
}

func codecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = 500_000
	vpxParams.RateControlEndUsage = vpx.RateControlVBR

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}
	opusParams.Latency = opus.Latency20ms

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// userPreferences はピアIDではなく利用者IDでプロフィールを引きます
type userPreferences struct {
	store  *profile.Store
	userID string
}

func (p userPreferences) DevicePreferences(ctx context.Context, _ string) (string, string, error) {
	return p.store.DevicePreferences(ctx, p.userID)
}

func (p userPreferences) ClearDevicePreferences(ctx context.Context, _ string) error {
	return p.store.ClearDevicePreferences(ctx, p.userID)
}

// displayName は --name があれば保存し、なければ保存済みの名前を使います
func displayName(ctx context.Context, store *profile.Store, opts playOptions) (string, error) {
	p, err := store.Get(ctx, opts.user)
	if err != nil && !errors.Is(err, profile.ErrNotFound) {
		return "", err
	}
	p.UserID = opts.user
	if opts.name == "" {
		if p.DisplayName != "" {
			return p.DisplayName, nil
		}
		return opts.user, nil
	}
	if p.DisplayName != opts.name {
		p.DisplayName = opts.name
		if err := store.Save(ctx, p); err != nil {
			return "", err
		}
	}
	return opts.name, nil
}

func logTransition(log *logrus.Entry, prev, next gamesync.State) {
	if !prev.Loaded && next.Loaded {
		log.WithFields(logrus.Fields{
			"phase":   next.Room.Phase,
			"players": len(next.Players),
			"host":    next.IsHost,
		}).Info("room loaded")
	}
	if prev.Loaded && prev.Room.Phase != next.Room.Phase {
		log.WithFields(logrus.Fields{"from": prev.Room.Phase, "to": next.Room.Phase}).Info("phase changed")
	}
	if prev.Room.CurrentRound != next.Room.CurrentRound && next.Room.CurrentRound > 0 {
		log.WithField("round", next.Room.CurrentRound).Info("round started")
	}
	if prev.Connection != next.Connection {
		log.WithField("connection", next.Connection).Info("realtime connection changed")
	}
	if next.Err != "" && next.Err != prev.Err {
		log.Warn(next.Err)
	}
	var seen time.Time
	if n := len(prev.Announcements); n > 0 {
		seen = prev.Announcements[n-1].At
	}
	for _, a := range next.Announcements {
		if a.At.After(seen) {
			log.WithFields(logrus.Fields{"player": a.PlayerID, "target": a.TargetID}).Info(a.Text)
		}
	}
}

// sessionResult は終了理由をログに出します。ルームの削除と終了は正常終了として扱います
func sessionResult(log *logrus.Entry, st gamesync.State, err error) error {
	if err == nil {
		log.Info("left room")
		return nil
	}
	switch st.Terminal {
	case gamesync.TerminalRoomDeleted, gamesync.TerminalFinished:
		log.WithField("reason", st.Terminal).Info("session ended")
		return nil
	}
	return err
}
