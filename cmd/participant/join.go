package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/livestage/internal/adapters/rtc"
	"github.com/dkeye/livestage/internal/config"
	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/live/backend"
	"github.com/dkeye/livestage/internal/live/connection"
	"github.com/dkeye/livestage/internal/live/device"
	"github.com/dkeye/livestage/internal/live/gate"
	"github.com/dkeye/livestage/internal/live/role"
	"github.com/dkeye/livestage/internal/live/room"
	"github.com/dkeye/livestage/internal/live/wsclient"
)

const statusPoll = 30 * time.Second

var (
	_ room.Backend   = (*backend.Client)(nil)
	_ room.Transport = (*wsclient.Client)(nil)
)

type joinOptions struct {
	sessionID string
	name      string
	noMedia   bool
}

func joinCommand() *cobra.Command {
	var opts joinOptions
	cmd := &cobra.Command{
		Use:   "join [SESSION]",
		Short: "Join a live session and read commands from stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd.Context())
			if len(args) == 1 {
				opts.sessionID = args[0]
			}
			if opts.sessionID == "" {
				opts.sessionID = cfg.Participant.SessionID
			}
			if opts.name == "" {
				opts.name = cfg.Participant.DisplayName
			}
			if opts.sessionID == "" {
				return errors.New("no session given")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return joinRun(ctx, cfg, opts)
		},
	}
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "session id")
	cmd.Flags().StringVarP(&opts.name, "name", "n", "", "display name")
	cmd.Flags().BoolVar(&opts.noMedia, "no-media", false, "join without capture devices")
	return cmd
}

func rtpProvider(cfg *config.Config, streamID string) *device.RTPProvider {
	devs := make([]device.RTPDevice, 0, len(cfg.Participant.Devices))
	for _, d := range cfg.Participant.Devices {
		devs = append(devs, device.RTPDevice{
			Info:   device.Info{ID: d.ID, Label: d.Label, Kind: device.Kind(d.Kind)},
			Listen: d.Listen,
		})
	}
	return device.NewRTPProvider(devs, streamID)
}

func hasKind(cfg *config.Config, kind device.Kind) bool {
	for _, d := range cfg.Participant.Devices {
		if device.Kind(d.Kind) == kind {
			return true
		}
	}
	return false
}

func flagStore(path string) role.FlagStore {
	if path == "" {
		return role.NewMemoryFlags()
	}
	f, err := role.OpenFileFlags(path)
	if err != nil {
		log.Warn().Err(err).Str("component", programName).Str("path", path).Msg("promotion flags unavailable, keeping them in memory")
		return role.NewMemoryFlags()
	}
	return f
}

func joinRun(ctx context.Context, cfg *config.Config, opts joinOptions) error {
	client, err := backendClient(cfg)
	if err != nil {
		return err
	}
	session, err := client.GetSession(ctx, domain.SessionID(opts.sessionID))
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	g := gate.New(session, client)
	g.OnChange(func(s gate.Status) { fmt.Fprintf(os.Stderr, "* gate: %s\n", s) })
	if tok := cfg.Participant.AccountToken; tok != "" {
		acc, err := accountOf(tok)
		if err != nil {
			return err
		}
		g.SignedIn(gate.Identity{Name: opts.name, AccountID: acc, Token: tok})
	} else if err := g.ContinueAsGuest(opts.name); err != nil {
		return err
	}

	return g.Render(ctx, func(ctx context.Context, id gate.Identity) error {
		return runRoom(ctx, cfg, opts, session, id, client)
	})
}

// preview acquires the configured devices once and hands them back as the
// selection the call joins with.
func preview(ctx context.Context, cfg *config.Config, provider device.Provider) device.Selection {
	pv := device.NewPreview(provider)
	_, err := pv.Acquire(ctx, device.Constraints{
		Audio: hasKind(cfg, device.KindAudio),
		Video: hasKind(cfg, device.KindVideo),
	})
	if err != nil {
		log.Warn().Err(err).Str("component", programName).Msg("joining without media")
		return device.Selection{}
	}
	if w := pv.Warning(); w != nil {
		fmt.Fprintf(os.Stderr, "* device warning: %v\n", w)
	}
	return pv.Release()
}

func runRoom(ctx context.Context, cfg *config.Config, opts joinOptions, session domain.Session, id gate.Identity, client *backend.Client) error {
	pc := cfg.Participant
	wsOpts := wsclient.Options{
		ServerURL:     pc.ServerURL,
		WebRTC:        rtc.WebRTCConfig(cfg.ICEServers),
		RedialInitial: pc.Redial.InitialInterval,
		RedialMax:     pc.Redial.MaxInterval,
	}
	var sel device.Selection
	if !opts.noMedia && len(pc.Devices) > 0 {
		provider := rtpProvider(cfg, uuid.NewString())
		wsOpts.Devices = provider
		sel = preview(ctx, cfg, provider)
	}
	ws, err := wsclient.New(wsOpts)
	if err != nil {
		return err
	}
	defer ws.Close()
	if err := ws.Supported(); err != nil {
		return err
	}

	rt := room.New(room.Config{
		Session:          session,
		DisplayName:      id.Name,
		Media:            sel,
		ReconnectTimeout: pc.ReconnectTimeout,
		TokenWarningLead: pc.TokenWarningLead,
		PoorNetworkGrace: pc.PoorNetworkGrace,
		AnnouncementTTL:  pc.AnnouncementTTL,
		StatusPoll:       statusPoll,
	}, ws, client, flagStore(pc.FlagsPath), nil)

	left := make(chan struct{}, 1)
	unwatch := rt.Conn.Watch(func(prev, next connection.Snapshot) {
		printSnapshot(prev, next)
		if next.State == connection.StateLeft && prev.State != connection.StateLeft {
			select {
			case left <- struct{}{}:
			default:
			}
		}
	})
	defer unwatch()
	rt.Actions.OnChange(func() { printActions(rt) })

	if err := rt.Mount(ctx); err != nil {
		if !rt.Conn.Snapshot().Retry {
			rt.Unmount(context.Background())
			return err
		}
		fmt.Fprintln(os.Stderr, "* join failed, type retry or leave")
	} else {
		fmt.Fprintf(os.Stderr, "* joined %q as %s (%s), type help for commands\n", session.Title, rt.Role.Self().UserName, rt.Role.Role())
	}

	lines := make(chan string)
	go readLines(lines)

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		sh := &shell{rt: rt, media: ws, out: os.Stdout}
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		prompted := false
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-left:
				if !sessionEnded(rt) {
					return nil
				}
				if rt.Role.Self().Owner {
					fmt.Fprintln(os.Stderr, "* session ended, type restart to bring it back or leave to exit")
				} else {
					fmt.Fprintln(os.Stderr, "* session ended, waiting for the host to restart it, type leave to exit")
				}
			case <-tick.C:
				pending := rt.Role.PromptPending()
				if pending && !prompted {
					fmt.Fprintln(os.Stderr, "* you were invited on stage, type accept or decline")
				}
				prompted = pending
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				quit, err := sh.exec(gctx, line)
				if err != nil {
					fmt.Fprintf(os.Stderr, "! %v\n", err)
				}
				if quit {
					return nil
				}
			}
		}
	})
	err = eg.Wait()

	leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rt.Unmount(leaveCtx)
	return err
}

// sessionEnded reports whether the call was released because the session
// ended rather than by the participant.
func sessionEnded(rt *room.Runtime) bool {
	return rt.Lifecycle.Status() == domain.StatusEnded || rt.Watcher.Status() == domain.StatusEnded
}

// readLines feeds stdin to the shell. It stops at EOF; a pending read is
// abandoned when the process exits.
func readLines(out chan<- string) {
	defer close(out)
	in := bufio.NewScanner(os.Stdin)
	for in.Scan() {
		out <- in.Text()
	}
}

func printSnapshot(prev, next connection.Snapshot) {
	if prev.State != next.State {
		fmt.Fprintf(os.Stderr, "* connection: %s\n", next.State)
	}
	if next.Err != nil && prev.Err != next.Err {
		hint := ""
		if next.Retry {
			hint = " (retry available)"
		}
		fmt.Fprintf(os.Stderr, "! %v%s\n", next.Err, hint)
	}
	if next.Rejoin && !prev.Rejoin {
		fmt.Fprintln(os.Stderr, "* reconnection timed out, type rejoin")
	}
	if next.Waiting && !prev.Waiting {
		fmt.Fprintln(os.Stderr, "* waiting for the host to admit you")
	}
	if next.TokenExpiring && !prev.TokenExpiring {
		fmt.Fprintln(os.Stderr, "* meeting token expires soon, type refresh")
	}
	if next.PoorNetwork != prev.PoorNetwork {
		fmt.Fprintf(os.Stderr, "* poor network: %t\n", next.PoorNetwork)
	}
	if next.Self.Role() != prev.Self.Role() && prev.Self.ID != "" {
		fmt.Fprintf(os.Stderr, "* role: %s\n", next.Self.Role())
	}
}

func printActions(rt *room.Runtime) {
	for _, a := range rt.Actions.Announcements() {
		fmt.Fprintf(os.Stderr, "* announcement: %s %s\n", a.Message, a.Link)
	}
	if p, ok := rt.Actions.ActivePoll(); ok {
		t := rt.Actions.Tally()
		fmt.Fprintf(os.Stderr, "* poll %s (%d votes)\n", p.Question, t.Total)
		for i, o := range t.Options {
			fmt.Fprintf(os.Stderr, "    %d. %s %d%%\n", i, o.Label, o.Percent)
		}
	}
}
