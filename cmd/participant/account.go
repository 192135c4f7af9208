package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/dkeye/livestage/internal/auth"
	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/live/backend"
	"github.com/dkeye/livestage/internal/live/device"
	"github.com/dkeye/livestage/internal/live/gate"
)

var errNoAccount = errors.New("an account token is required, run signin first")

// accountOf reads the account id out of an account token. The server
// verifies the signature on every call, so it is not checked here.
func accountOf(token string) (domain.AccountID, error) {
	if token == "" {
		return "", errNoAccount
	}
	var claims auth.AccountClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", fmt.Errorf("parse account token: %w", err)
	}
	if claims.Subject == "" {
		return "", errNoAccount
	}
	return claims.AccountID(), nil
}

func signinCommand() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "signin",
		Short: "Sign in with a one-time code and print the account token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd.Context())
			if email == "" {
				email = cfg.Participant.Email
			}
			client, err := backendClient(cfg)
			if err != nil {
				return err
			}
			signin := gate.NewSignIn(client, nil)
			if err := signin.Request(cmd.Context(), email); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "code sent to %s, valid for %s\ncode: ", email, signin.ExpiresIn().Round(time.Second))

			in := bufio.NewScanner(os.Stdin)
			for in.Scan() {
				code := strings.TrimSpace(in.Text())
				if code == "resend" {
					if err := signin.Resend(cmd.Context()); err != nil {
						fmt.Fprintf(os.Stderr, "%v (retry in %s)\ncode: ", err, signin.ResendIn().Round(time.Second))
						continue
					}
					fmt.Fprint(os.Stderr, "new code sent\ncode: ")
					continue
				}
				acc, err := signin.Verify(cmd.Context(), code)
				if errors.Is(err, gate.ErrCodeExpired) {
					return err
				}
				if err != nil {
					fmt.Fprintf(os.Stderr, "%v\ncode: ", err)
					continue
				}
				fmt.Fprintf(os.Stderr, "signed in as %s\n", acc.ID)
				fmt.Println(acc.Token)
				return nil
			}
			return in.Err()
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email address")
	return cmd
}

func createSessionCommand() *cobra.Command {
	var (
		title    string
		access   string
		startsIn time.Duration
		length   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create-session",
		Short: "Create a session owned by the signed-in account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd.Context())
			if _, err := accountOf(cfg.Participant.AccountToken); err != nil {
				return err
			}
			client, err := backendClient(cfg)
			if err != nil {
				return err
			}
			start := time.Now().Add(startsIn)
			s, err := client.CreateSession(cmd.Context(), backend.NewSession{
				Title:       title,
				StartsAt:    start,
				EndsAt:      start.Add(length),
				EventAccess: domain.AccessMode(access),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "session %q in room %s (%s)\n", s.Title, s.Room, s.Access())
			fmt.Println(s.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "Untitled session", "session title")
	cmd.Flags().StringVar(&access, "access", string(domain.AccessOpen), "open or ticketed")
	cmd.Flags().DurationVar(&startsIn, "starts-in", 0, "delay before the scheduled start")
	cmd.Flags().DurationVar(&length, "length", time.Hour, "scheduled length")
	return cmd
}

func grantCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant SESSION ACCOUNT",
		Short: "Grant an account a ticket for a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd.Context())
			client, err := backendClient(cfg)
			if err != nil {
				return err
			}
			return client.GrantEntitlement(cmd.Context(), domain.SessionID(args[0]), domain.AccountID(args[1]))
		},
	}
	return cmd
}

func devicesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List the configured capture devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd.Context())
			pv := device.NewPreview(rtpProvider(cfg, "preview"))
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			infos, err := pv.Devices(ctx)
			if err != nil {
				return err
			}
			for _, d := range infos {
				fmt.Printf("%-12s %-20s %s\n", d.Kind, d.ID, d.Label)
			}
			return nil
		},
	}
	return cmd
}
