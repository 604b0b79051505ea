package main

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"pkt.systems/permitd"
	"pkt.systems/permitd/client"
)

func startCoordinator(t *testing.T) *permitd.Server {
	t.Helper()
	srv, stop, err := permitd.StartServer(context.Background(), permitd.Config{
		Listen:      "127.0.0.1:0",
		AdminListen: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stop(ctx); err != nil {
			t.Errorf("stop server: %v", err)
		}
	})
	return srv
}

func TestInspectStatusShowsHolder(t *testing.T) {
	srv := startCoordinator(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cli, err := client.Dial(ctx, srv.ListenerAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()
	if _, err := cli.Acquire(ctx, 4); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	admin := srv.AdminAddr().String()
	stdout, _, err := executeRootCommand(t, "inspect", "status", "--admin", admin)
	if err != nil {
		t.Fatalf("inspect status: %v", err)
	}
	if !strings.Contains(stdout, "held by 4") {
		t.Fatalf("expected holder in output:\n%s", stdout)
	}
	if !strings.Contains(stdout, "routing=origin") {
		t.Fatalf("expected policies in output:\n%s", stdout)
	}

	stdout, _, err = executeRootCommand(t, "inspect", "ledger", "--admin", "http://"+admin, "--json")
	if err != nil {
		t.Fatalf("inspect ledger: %v", err)
	}
	var ledger permitd.LedgerView
	if err := json.Unmarshal([]byte(stdout), &ledger); err != nil {
		t.Fatalf("decode ledger %q: %v", stdout, err)
	}
	if ledger.Total != 1 || len(ledger.Requesters) != 1 || ledger.Requesters[0].Requester != 4 {
		t.Fatalf("unexpected ledger %+v", ledger)
	}
}

func TestInspectQueueListsPending(t *testing.T) {
	srv := startCoordinator(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	holder, err := client.Dial(ctx, srv.ListenerAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer holder.Close()
	if _, err := holder.Acquire(ctx, 1); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	waiter, err := client.Dial(ctx, srv.ListenerAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer waiter.Close()
	if err := waiter.Request(2); err != nil {
		t.Fatalf("request: %v", err)
	}

	admin := srv.AdminAddr().String()
	deadline := time.Now().Add(2 * time.Second)
	for {
		stdout, _, err := executeRootCommand(t, "inspect", "queue", "--admin", admin)
		if err != nil {
			t.Fatalf("inspect queue: %v", err)
		}
		if strings.Contains(stdout, "queue 1/5") {
			if !strings.Contains(stdout, "POS") {
				t.Fatalf("expected pending table:\n%s", stdout)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queued request never showed up:\n%s", stdout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInspectUnreachableAdmin(t *testing.T) {
	_, _, err := executeRootCommand(t, "inspect", "status", "--admin", "127.0.0.1:1", "--timeout", "500ms")
	if err == nil {
		t.Fatal("expected error for unreachable observer")
	}
}
