package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/clawtasks/internal/bus"
	"github.com/basket/clawtasks/internal/gateway"
	"github.com/basket/clawtasks/internal/tasks"
)

func streamEvent(topic string, payload map[string]any) streamEventMsg {
	return streamEventMsg{Topic: topic, Time: time.Now(), Payload: payload}
}

func TestWatchModel_TracksTaskRows(t *testing.T) {
	var m tea.Model = newWatchModel("task.*")
	m, _ = m.Update(streamEvent(bus.TopicTaskCreated, map[string]any{"task_id": "t1", "type": "script"}))
	m, _ = m.Update(streamEvent(bus.TopicTaskStateChanged, map[string]any{"task_id": "t1", "old_status": "pending", "new_status": "running"}))
	m, _ = m.Update(streamEvent(bus.TopicTaskCompleted, map[string]any{"task_id": "t1", "name": "backup", "status": "success"}))
	m, _ = m.Update(streamEvent(bus.TopicTaskCreated, map[string]any{"task_id": "t2", "type": "reminder"}))

	wm := m.(watchModel)
	if len(wm.order) != 2 || wm.order[0] != "t1" {
		t.Fatalf("order = %v", wm.order)
	}
	row := wm.rows["t1"]
	if row.status != "running" || row.last != "success" || row.runs != 1 || row.name != "backup" {
		t.Fatalf("row t1 = %+v", *row)
	}
	if wm.rows["t2"].status != "pending" {
		t.Fatalf("row t2 = %+v", *wm.rows["t2"])
	}

	view := wm.View()
	for _, want := range []string{"clawtasks watch", "t1", "backup", "t2", "4 events", "Press q to quit."} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestWatchModel_KeepsRecentEvents(t *testing.T) {
	var m tea.Model = newWatchModel("task.*")
	for i := 0; i < watchRecentEvents+5; i++ {
		m, _ = m.Update(streamEvent(bus.TopicConfigReloaded, map[string]any{"fingerprint": "abc"}))
	}
	wm := m.(watchModel)
	if len(wm.recent) != watchRecentEvents {
		t.Fatalf("recent = %d, want %d", len(wm.recent), watchRecentEvents)
	}
	if len(wm.order) != 0 {
		t.Fatalf("config events should not add task rows: %v", wm.order)
	}
	if !strings.Contains(wm.View(), "waiting for task events") {
		t.Fatal("expected empty-table hint")
	}
}

func TestWatchModel_QuitsOnKeyAndStreamError(t *testing.T) {
	m := newWatchModel("task.*")
	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")}); cmd == nil {
		t.Fatal("q should quit")
	}
	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC}); cmd == nil {
		t.Fatal("ctrl+c should quit")
	}
	next, cmd := m.Update(streamErrMsg{err: errors.New("reset")})
	if cmd == nil {
		t.Fatal("stream error should quit")
	}
	if next.(watchModel).err == nil {
		t.Fatal("stream error not kept on the model")
	}
}

func TestWatch_JSONLines(t *testing.T) {
	env := newCLIEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out syncBuffer
	env.cli.out = &out
	env.cli.styled = true
	done := make(chan int, 1)
	go func() { done <- run(ctx, env.cli, []string{"watch", "-json"}) }()

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), "task.created") {
		if time.Now().After(deadline) {
			t.Fatalf("no task.created event streamed; output %q", out.String())
		}
		_, _ = env.svc.CreateTask(context.Background(), tasks.CreateRequest{Type: "reminder", Content: "ping", Schedule: "0 0 * * *"})
		time.Sleep(100 * time.Millisecond)
	}
	cancel()
	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("watch exit = %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return after cancel")
	}

	first, _, _ := strings.Cut(out.String(), "\n")
	var msg gateway.StreamMessage
	if err := json.Unmarshal([]byte(first), &msg); err != nil {
		t.Fatalf("line is not JSON: %v: %q", err, first)
	}
	if !strings.HasPrefix(msg.Topic, "task.") {
		t.Fatalf("topic = %q", msg.Topic)
	}
}
