package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/live/connection"
	"github.com/dkeye/livestage/internal/live/device"
	"github.com/dkeye/livestage/internal/live/protocol"
	"github.com/dkeye/livestage/internal/live/room"
)

var (
	errUsage = errors.New("usage")
	errEnded = errors.New("the session has ended, only restart and leave are available")
)

// afterEnd lists the commands still offered once the session ended.
var afterEnd = map[string]bool{"restart": true, "status": true, "help": true, "leave": true, "quit": true}

type command struct {
	usage string
	run   func(ctx context.Context, sh *shell, args []string) error
}

// shell runs one text command against the mounted room.
type shell struct {
	rt    *room.Runtime
	media deviceSwitcher
	out   io.Writer
}

type deviceSwitcher interface {
	SwitchDevice(ctx context.Context, kind device.Kind, deviceID string) error
}

var commands = map[string]command{
	"who": {"who", func(_ context.Context, sh *shell, _ []string) error {
		for _, p := range sh.rt.Participants() {
			hand := ""
			if sh.rt.Actions.HandRaised(p.ID) {
				hand = " (hand raised)"
			}
			fmt.Fprintf(sh.out, "%s\t%s\t%s%s\n", p.ID, p.UserName, p.Role(), hand)
		}
		return nil
	}},
	"status": {"status", func(_ context.Context, sh *shell, _ []string) error {
		snap := sh.rt.Conn.Snapshot()
		fmt.Fprintf(sh.out, "connection %s, session %s, role %s, audio %t, video %t\n",
			snap.State, sh.rt.Watcher.Status(), sh.rt.Role.Role(), snap.AudioEnabled, snap.VideoEnabled)
		if n := sh.rt.Watcher.MinutesLeft(); n > 0 {
			fmt.Fprintf(sh.out, "ending in %d minutes\n", n)
		}
		if sh.rt.Lifecycle.Recording() {
			fmt.Fprintf(sh.out, "recording for %s\n", sh.rt.Lifecycle.RecordingElapsed().Round(time.Second))
		}
		if t := sh.rt.Role.Toast(); t != "" {
			fmt.Fprintln(sh.out, t)
		}
		return nil
	}},
	"raise": {"raise", func(ctx context.Context, sh *shell, _ []string) error { return sh.rt.RaiseHand(ctx) }},
	"lower": {"lower", func(ctx context.Context, sh *shell, _ []string) error { return sh.rt.LowerHand(ctx) }},
	"hands": {"hands", func(_ context.Context, sh *shell, _ []string) error {
		for _, h := range sh.rt.Actions.HandRaises() {
			fmt.Fprintf(sh.out, "%s\t%s\t%s\n", h.ParticipantID, h.UserName, h.Timestamp.Format("15:04:05"))
		}
		return nil
	}},
	"vote": {"vote N", func(ctx context.Context, sh *shell, args []string) error {
		if len(args) != 1 {
			return errUsage
		}
		idx, err := strconv.Atoi(args[0])
		if err != nil {
			return errUsage
		}
		return sh.rt.Vote(ctx, idx)
	}},
	"poll": {"poll QUESTION | OPTION | OPTION ...", func(ctx context.Context, sh *shell, args []string) error {
		p, err := parsePoll(strings.Join(args, " "))
		if err != nil {
			return err
		}
		return sh.rt.Send(ctx, p)
	}},
	"close-poll": {"close-poll", func(ctx context.Context, sh *shell, _ []string) error {
		p, ok := sh.rt.Actions.ActivePoll()
		if !ok {
			return room.ErrNoPoll
		}
		return sh.rt.Send(ctx, protocol.PollClosed{PollID: p.ID})
	}},
	"announce": {"announce TEXT [| LINK]", func(ctx context.Context, sh *shell, args []string) error {
		text, link, _ := strings.Cut(strings.Join(args, " "), "|")
		if strings.TrimSpace(text) == "" {
			return errUsage
		}
		return sh.rt.Send(ctx, protocol.Announcement{ID: uuid.NewString(), Message: strings.TrimSpace(text), Link: strings.TrimSpace(link)})
	}},
	"download": {"download LABEL URL", func(ctx context.Context, sh *shell, args []string) error {
		if len(args) < 2 {
			return errUsage
		}
		return sh.rt.Send(ctx, protocol.Download{Label: strings.Join(args[:len(args)-1], " "), URL: args[len(args)-1]})
	}},
	"downloads": {"downloads", func(_ context.Context, sh *shell, _ []string) error {
		for _, d := range sh.rt.Actions.Downloads() {
			fmt.Fprintf(sh.out, "%s\t%s\n", d.Label, d.URL)
		}
		return nil
	}},
	"dismiss": {"dismiss URL", func(ctx context.Context, sh *shell, args []string) error {
		if len(args) != 1 {
			return errUsage
		}
		sh.rt.DismissDownload(ctx, args[0])
		return nil
	}},
	"chat": {"chat TEXT", func(ctx context.Context, sh *shell, args []string) error {
		return sh.rt.Chat.Send(ctx, strings.Join(args, " "))
	}},
	"history": {"history", func(_ context.Context, sh *shell, _ []string) error {
		for _, m := range sh.rt.Chat.History() {
			fmt.Fprintf(sh.out, "[%s] %s: %s\n", m.SentAt.Format("15:04"), m.UserName, m.Text)
		}
		return nil
	}},
	"accept":  {"accept", func(ctx context.Context, sh *shell, _ []string) error { return sh.rt.Role.Accept(ctx) }},
	"decline": {"decline", func(_ context.Context, sh *shell, _ []string) error { sh.rt.Role.Decline(); return nil }},
	"promote": {"promote PARTICIPANT", withTarget(func(ctx context.Context, rt *room.Runtime, pid domain.ParticipantID) error {
		return rt.Operator.Promote(ctx, pid)
	})},
	"demote": {"demote PARTICIPANT", withTarget(func(ctx context.Context, rt *room.Runtime, pid domain.ParticipantID) error {
		return rt.Operator.Demote(ctx, pid)
	})},
	"cohost": {"cohost PARTICIPANT", withTarget(func(ctx context.Context, rt *room.Runtime, pid domain.ParticipantID) error {
		return rt.Operator.AssignCoHost(ctx, pid)
	})},
	"uncohost": {"uncohost PARTICIPANT", withTarget(func(ctx context.Context, rt *room.Runtime, pid domain.ParticipantID) error {
		return rt.Operator.RemoveCoHost(ctx, pid)
	})},
	"mute": {"mute PARTICIPANT", withTarget(func(ctx context.Context, rt *room.Runtime, pid domain.ParticipantID) error {
		return rt.Operator.Mute(ctx, pid)
	})},
	"admit": {"admit PARTICIPANT", withTarget(func(ctx context.Context, rt *room.Runtime, pid domain.ParticipantID) error {
		return rt.Controls.Admit(ctx, pid)
	})},
	"deny": {"deny PARTICIPANT", withTarget(func(ctx context.Context, rt *room.Runtime, pid domain.ParticipantID) error {
		return rt.Controls.Deny(ctx, pid)
	})},
	"waiting": {"waiting", func(_ context.Context, sh *shell, _ []string) error {
		for _, p := range sh.rt.Controls.Waiting() {
			fmt.Fprintf(sh.out, "%s\t%s\n", p.ID, p.UserName)
		}
		return nil
	}},
	"lock": {"lock on|off", withSwitch(func(ctx context.Context, rt *room.Runtime, on bool) error {
		return rt.Controls.SetLocked(ctx, on)
	})},
	"knocking": {"knocking on|off", withSwitch(func(ctx context.Context, rt *room.Runtime, on bool) error {
		return rt.Controls.SetWaitingRoom(ctx, on)
	})},
	"screenshare": {"screenshare on|off", withSwitch(func(ctx context.Context, rt *room.Runtime, on bool) error {
		return rt.Controls.SetScreenshare(ctx, on)
	})},
	"chat-enabled": {"chat-enabled on|off", withSwitch(func(ctx context.Context, rt *room.Runtime, on bool) error {
		return rt.Controls.SetChat(ctx, on)
	})},
	"record": {"record on|off", withSwitch(func(ctx context.Context, rt *room.Runtime, on bool) error {
		if on {
			return rt.Lifecycle.StartRecording(ctx)
		}
		return rt.Lifecycle.StopRecording(ctx)
	})},
	"audio": {"audio on|off", withSwitch(func(_ context.Context, rt *room.Runtime, on bool) error {
		return rt.Conn.SetAudio(on)
	})},
	"device": {"device audio|video ID", func(ctx context.Context, sh *shell, args []string) error {
		if len(args) != 2 || sh.media == nil {
			return errUsage
		}
		switch args[0] {
		case "audio":
			return sh.media.SwitchDevice(ctx, device.KindAudio, args[1])
		case "video":
			return sh.media.SwitchDevice(ctx, device.KindVideo, args[1])
		}
		return errUsage
	}},
	"video": {"video on|off", withSwitch(func(_ context.Context, rt *room.Runtime, on bool) error {
		return rt.Conn.SetVideo(on)
	})},
	"live":    {"live", func(ctx context.Context, sh *shell, _ []string) error { return sh.rt.Lifecycle.GoLive(ctx) }},
	"restart": {"restart", func(ctx context.Context, sh *shell, _ []string) error { return sh.rt.Lifecycle.Restart(ctx) }},
	"warn": {"warn MINUTES", func(ctx context.Context, sh *shell, args []string) error {
		if len(args) != 1 {
			return errUsage
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return errUsage
		}
		return sh.rt.Lifecycle.WarnEnding(ctx, n)
	}},
	"end": {"end", func(_ context.Context, sh *shell, _ []string) error {
		if err := sh.rt.Lifecycle.RequestEnd(); err != nil {
			return err
		}
		fmt.Fprintln(sh.out, "type confirm to end the session for everyone, anything else cancels")
		return nil
	}},
	"confirm": {"confirm", func(ctx context.Context, sh *shell, _ []string) error {
		return sh.rt.Lifecycle.ConfirmEnd(ctx)
	}},
	"retry":   {"retry", func(ctx context.Context, sh *shell, _ []string) error { return sh.rt.Retry(ctx) }},
	"rejoin":  {"rejoin", func(ctx context.Context, sh *shell, _ []string) error { return sh.rt.Rejoin(ctx) }},
	"refresh": {"refresh", func(ctx context.Context, sh *shell, _ []string) error { return sh.rt.Conn.RefreshToken(ctx) }},
}

// exec runs line and reports whether the shell should stop.
func (sh *shell) exec(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	name, args := fields[0], fields[1:]
	if sh.rt.Conn.State() == connection.StateLeft && !afterEnd[name] {
		return false, errEnded
	}
	if name != "confirm" && sh.rt.Lifecycle.Confirming() {
		sh.rt.Lifecycle.CancelEnd()
	}
	switch name {
	case "leave", "quit":
		return true, nil
	case "help":
		names := make([]string, 0, len(commands))
		for n := range commands {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintf(sh.out, "  %s\n", commands[n].usage)
		}
		fmt.Fprintln(sh.out, "  leave")
		return false, nil
	}
	cmd, ok := commands[name]
	if !ok {
		return false, fmt.Errorf("unknown command %q, type help", name)
	}
	if err := cmd.run(ctx, sh, args); err != nil {
		if errors.Is(err, errUsage) {
			return false, fmt.Errorf("usage: %s", cmd.usage)
		}
		return false, err
	}
	return false, nil
}

func withTarget(fn func(context.Context, *room.Runtime, domain.ParticipantID) error) func(context.Context, *shell, []string) error {
	return func(ctx context.Context, sh *shell, args []string) error {
		if len(args) != 1 {
			return errUsage
		}
		return fn(ctx, sh.rt, domain.ParticipantID(args[0]))
	}
}

func withSwitch(fn func(context.Context, *room.Runtime, bool) error) func(context.Context, *shell, []string) error {
	return func(ctx context.Context, sh *shell, args []string) error {
		if len(args) != 1 {
			return errUsage
		}
		switch args[0] {
		case "on":
			return fn(ctx, sh.rt, true)
		case "off":
			return fn(ctx, sh.rt, false)
		}
		return errUsage
	}
}

// parsePoll reads "question | option | option".
func parsePoll(s string) (protocol.Poll, error) {
	parts := strings.Split(s, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) < 3 || parts[0] == "" {
		return protocol.Poll{}, errUsage
	}
	opts := make([]string, 0, len(parts)-1)
	for _, o := range parts[1:] {
		if o != "" {
			opts = append(opts, o)
		}
	}
	if len(opts) < 2 {
		return protocol.Poll{}, errUsage
	}
	return protocol.Poll{ID: uuid.NewString(), Question: parts[0], Options: opts}, nil
}
