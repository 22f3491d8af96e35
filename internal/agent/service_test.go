package agent

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/bus"
	"github.com/loqalabs/loqa-voicechat/internal/collaborator"
	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/loqalabs/loqa-voicechat/internal/natsserver"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(cfg, "voicechat-agent-test", newLogger())
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func startAgent(t *testing.T, client *bus.Client, cfg config.AgentConfig) *Service {
	t.Helper()
	cfg.Enabled = true
	svc := NewService(context.Background(), cfg, client, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start agent: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("agent should be healthy after start")
	}
	return svc
}

func TestAgentPlaysScriptAndHangsUp(t *testing.T) {
	client := startBus(t)
	startAgent(t, client, config.AgentConfig{Assistants: []string{"barista"}, HangUpAfterScript: true})

	collab := collaborator.NewBus(client, 16)
	defer collab.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	handle, err := collab.Start(ctx, "barista")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	var utterances []string
	timeout := time.After(3 * time.Second)
	for {
		select {
		case evt := <-collab.Events():
			if evt.CallID != handle.ID {
				t.Fatalf("event for wrong call %q", evt.CallID)
			}
			if evt.Message != nil {
				if text, _, ok := evt.Message.Utterance(); ok {
					utterances = append(utterances, text)
				}
			}
			if evt.Name == protocol.EventCallEnded {
				if len(utterances) != 2 || utterances[0] != "I'd like some milk" {
					t.Fatalf("unexpected utterances %v", utterances)
				}
				return
			}
		case <-timeout:
			t.Fatalf("agent never hung up, got %v", utterances)
		}
	}
}

func TestAgentRejectsUnknownAssistant(t *testing.T) {
	client := startBus(t)
	startAgent(t, client, config.AgentConfig{Assistants: []string{"barista"}})

	collab := collaborator.NewBus(client, 16)
	defer collab.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := collab.Start(ctx, "ghost")
	if err == nil || !strings.Contains(err.Error(), "unknown assistant") {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestAgentStopCancelsScript(t *testing.T) {
	client := startBus(t)
	svc := startAgent(t, client, config.AgentConfig{ReplyDelayMS: 5000})

	collab := collaborator.NewBus(client, 16)
	defer collab.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := collab.Start(ctx, "anyone"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if svc.ActiveCalls() != 1 {
		t.Fatalf("expected one active call, got %d", svc.ActiveCalls())
	}

	collab.Stop()
	deadline := time.Now().Add(2 * time.Second)
	for svc.ActiveCalls() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("stop request did not end the call")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDisabledAgentDoesNotSubscribe(t *testing.T) {
	client := startBus(t)
	svc := NewService(context.Background(), config.AgentConfig{}, client, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Close()

	collab := collaborator.NewBus(client, 16)
	defer collab.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := collab.Start(ctx, "barista"); err == nil {
		t.Fatal("expected no responders")
	}
}
