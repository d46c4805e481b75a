package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/config"
)

const qrSize = 256

func newInviteCmd() *cobra.Command {
	v := config.NewViper()
	var (
		code string
		png  string
	)

	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Print the join link for a room as a QR code.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load(v)
			link, err := inviteURL(cfg.AppURL, code)
			if err != nil {
				return err
			}
			return writeInvite(cmd.OutOrStdout(), link, png)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&code, "code", "", "room code")
	fs.StringVar(&png, "png", "", "write the QR code to this PNG file instead of the terminal")
	config.InviteFlags(fs)
	config.BindFlags(v, fs)
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

// inviteURL はルームへの参加リンクを組み立てます
func inviteURL(appURL, code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "", errors.New("room code is required")
	}
	u, err := url.Parse(appURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid --%s: %q", config.KeyAppURL, appURL)
	}
	return u.JoinPath("join", code).String(), nil
}

func writeInvite(w io.Writer, link, png string) error {
	if png != "" {
		if err := qrcode.WriteFile(link, qrcode.Medium, qrSize, png); err != nil {
			return fmt.Errorf("failed to write QR code: %w", err)
		}
		_, err := fmt.Fprintf(w, "%s\nQR code written to %s\n", link, png)
		return err
	}

	q, err := qrcode.New(link, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("failed to encode QR code: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n%s", q.ToSmallString(false), link+"\n")
	return err
}
