package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/gamesync"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/media"
	"github.com/LincolnLPC/bunker-LPC-sub000/internal/profile"
)

var _ media.Preferences = userPreferences{}

func TestInviteURL(t *testing.T) {
	tests := []struct {
		app, code string
		want      string
		wantErr   bool
	}{
		{app: "https://bunker.example", code: "abc123", want: "https://bunker.example/join/ABC123"},
		{app: "https://bunker.example/game/", code: " XYZ ", want: "https://bunker.example/game/join/XYZ"},
		{app: "https://bunker.example", code: "", wantErr: true},
		{app: "not a url", code: "ABC", wantErr: true},
	}
	for _, tt := range tests {
		got, err := inviteURL(tt.app, tt.code)
		if tt.wantErr {
			if err == nil {
				t.Errorf("inviteURL(%q, %q) = %q, want error", tt.app, tt.code, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("inviteURL(%q, %q) = %q, %v; want %q", tt.app, tt.code, got, err, tt.want)
		}
	}
}

func TestWriteInvite(t *testing.T) {
	link := "https://bunker.example/join/ABC123"

	var buf bytes.Buffer
	if err := writeInvite(&buf, link, ""); err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(buf.String(), link+"\n") || buf.Len() <= len(link)+1 {
		t.Fatalf("terminal output missing QR code or link:\n%s", buf.String())
	}

	path := filepath.Join(t.TempDir(), "invite.png")
	buf.Reset()
	if err := writeInvite(&buf, link, path); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(b, []byte("\x89PNG")) {
		t.Fatal("file is not a PNG")
	}
}

func TestDisplayName(t *testing.T) {
	store, err := profile.Open(filepath.Join(t.TempDir(), "profile.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	name, err := displayName(ctx, store, playOptions{user: "u1"})
	if err != nil || name != "u1" {
		t.Fatalf("no profile: %q %v", name, err)
	}

	if err := store.Save(ctx, profile.Profile{UserID: "u1", CameraDeviceID: "cam-1"}); err != nil {
		t.Fatal(err)
	}
	name, err = displayName(ctx, store, playOptions{user: "u1", name: "Anna"})
	if err != nil || name != "Anna" {
		t.Fatalf("explicit name: %q %v", name, err)
	}
	name, err = displayName(ctx, store, playOptions{user: "u1"})
	if err != nil || name != "Anna" {
		t.Fatalf("saved name: %q %v", name, err)
	}
	p, _ := store.Get(ctx, "u1")
	if p.CameraDeviceID != "cam-1" {
		t.Fatalf("saving the name dropped the camera: %+v", p)
	}
}

func TestSessionResult(t *testing.T) {
	log := discardLog()
	terminal := errors.Join(gamesync.ErrTerminal, errors.New("reason"))

	if err := sessionResult(log, gamesync.State{Terminal: gamesync.TerminalFinished}, terminal); err != nil {
		t.Errorf("finished = %v, want nil", err)
	}
	if err := sessionResult(log, gamesync.State{Terminal: gamesync.TerminalRoomDeleted}, terminal); err != nil {
		t.Errorf("deleted = %v, want nil", err)
	}
	if err := sessionResult(log, gamesync.State{Terminal: gamesync.TerminalPasswordInvalid}, terminal); !errors.Is(err, gamesync.ErrTerminal) {
		t.Errorf("password invalid = %v, want ErrTerminal", err)
	}
	if err := sessionResult(log, gamesync.State{}, nil); err != nil {
		t.Errorf("left = %v", err)
	}
}

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
