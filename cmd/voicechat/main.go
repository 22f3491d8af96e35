package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voicechat/internal/view"
)

var version = "0.1.0-dev"

func main() {
	var (
		addr        string
		showVersion bool
	)
	flag.StringVar(&addr, "addr", "http://127.0.0.1:8080", "Base URL of the voicechat daemon")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, addr, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type frame struct {
	Kind       string               `json:"kind"`
	State      *view.StateView      `json:"state"`
	Message    *view.MessageView    `json:"message"`
	Transcript *view.TranscriptView `json:"transcript"`
}

// run follows the daemon's stream and maps input lines to commands: an
// empty line toggles the call and "q" quits.
func run(ctx context.Context, base string, in io.Reader, out io.Writer) error {
	streamURL, err := streamURL(base)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", streamURL, err)
	}
	defer conn.Close()

	frames := make(chan frame)
	readErr := make(chan error, 1)
	go func() {
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
		close(lines)
	}()

	client := &http.Client{Timeout: 5 * time.Second}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				fmt.Fprintln(out, "daemon closed the stream")
				return nil
			}
			return fmt.Errorf("stream: %w", err)
		case f := <-frames:
			render(out, f)
		case line, ok := <-lines:
			if !ok || line == "q" {
				return nil
			}
			if line != "" {
				fmt.Fprintln(out, "press Enter to start or stop the call, q to quit")
				continue
			}
			if err := toggle(ctx, client, base); err != nil {
				fmt.Fprintln(out, "toggle failed:", err)
			}
		}
	}
}

func streamURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse address: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/stream"
	return u.String(), nil
}

func toggle(ctx context.Context, client *http.Client, base string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(base, "/")+"/api/toggle", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.New(resp.Status)
	}
	return nil
}

func render(out io.Writer, f frame) {
	switch f.Kind {
	case "snapshot":
		if f.Transcript != nil {
			for _, m := range f.Transcript.Messages {
				fmt.Fprintln(out, line(m))
			}
		}
		if f.State != nil {
			fmt.Fprintln(out, status(*f.State))
		}
	case "state":
		if f.State != nil {
			fmt.Fprintln(out, status(*f.State))
		}
	case "message":
		if f.Message != nil {
			fmt.Fprintln(out, line(*f.Message))
		}
	}
}

func line(m view.MessageView) string {
	if m.IsUser {
		return "you: " + m.Text
	}
	return "assistant: " + m.Text
}

func status(s view.StateView) string {
	if s.State == "active" {
		return fmt.Sprintf("[%s %s]", s.Label, s.Elapsed)
	}
	return fmt.Sprintf("[%s]", s.Label)
}
