package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/clawtasks/internal/bus"
	"github.com/basket/clawtasks/internal/gateway"
)

func (c *cli) runWatch(ctx context.Context, args []string) int {
	fs, addr, asJSON := c.flags("watch")
	topic := fs.String("topic", "task.", "topic prefix to follow")
	taskID := fs.String("task", "", "only events for this task id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	client, err := c.connect(*addr)
	if err != nil {
		return c.fail(err)
	}
	q := url.Values{}
	if *topic != "" {
		q.Set("topic", *topic)
	}
	if *taskID != "" {
		q.Set("task_id", *taskID)
	}
	opts := &websocket.DialOptions{}
	if client.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + client.token}}
	}
	conn, _, err := websocket.Dial(ctx, client.wsURL(q), opts)
	if err != nil {
		return c.fail(fmt.Errorf("connect stream: %w", err))
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	if c.styled && !*asJSON {
		return exitOn(c, watchLive(ctx, conn, watchLabel(*topic, *taskID)))
	}
	enc := json.NewEncoder(c.out)
	for {
		var msg gateway.StreamMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if streamClosed(ctx, err) {
				return 0
			}
			return c.fail(fmt.Errorf("stream: %w", err))
		}
		if *asJSON {
			if err := enc.Encode(msg); err != nil {
				return c.fail(err)
			}
			continue
		}
		fmt.Fprintln(c.out, eventLine(msg))
	}
}

func streamClosed(ctx context.Context, err error) bool {
	return ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure
}

func watchLabel(topic, taskID string) string {
	label := topic + "*"
	if taskID != "" {
		label += " task " + taskID
	}
	return label
}

func eventLine(msg gateway.StreamMessage) string {
	payload, _ := json.Marshal(msg.Payload)
	return fmt.Sprintf("%s %-20s %s", msg.Time.Local().Format(time.TimeOnly), msg.Topic, payload)
}

// watchLive renders the stream as a bubbletea view until the user quits,
// the stream ends or ctx is cancelled.
func watchLive(ctx context.Context, conn *websocket.Conn, label string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newWatchModel(label), tea.WithContext(ctx))
	go func() {
		for {
			var msg gateway.StreamMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				p.Send(streamErrMsg{err: err})
				return
			}
			p.Send(streamEventMsg(msg))
		}
	}()

	final, err := p.Run()
	if err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return err
	}
	if m, ok := final.(watchModel); ok && m.err != nil && !streamClosed(ctx, m.err) {
		return fmt.Errorf("stream: %w", m.err)
	}
	return nil
}

type streamEventMsg gateway.StreamMessage

type streamErrMsg struct{ err error }

const watchRecentEvents = 8

// watchRow is the latest known state of one task seen on the stream.
type watchRow struct {
	id      string
	name    string
	status  string
	last    string
	runs    int
	updated time.Time
}

type watchModel struct {
	label  string
	rows   map[string]*watchRow
	order  []string
	recent []string
	events int
	err    error
}

func newWatchModel(label string) watchModel {
	return watchModel{label: label, rows: make(map[string]*watchRow)}
}

func (m watchModel) Init() tea.Cmd {
	return nil
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case streamEventMsg:
		m.apply(gateway.StreamMessage(msg))
	case streamErrMsg:
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m *watchModel) apply(msg gateway.StreamMessage) {
	m.events++
	m.recent = append(m.recent, eventLine(msg))
	if len(m.recent) > watchRecentEvents {
		m.recent = m.recent[len(m.recent)-watchRecentEvents:]
	}

	fields, _ := msg.Payload.(map[string]any)
	id, _ := fields["task_id"].(string)
	if id == "" {
		return
	}
	row, ok := m.rows[id]
	if !ok {
		row = &watchRow{id: id}
		m.rows[id] = row
		m.order = append(m.order, id)
	}
	row.updated = msg.Time
	switch msg.Topic {
	case bus.TopicTaskCreated:
		if row.status == "" {
			row.status = "pending"
		}
	case bus.TopicTaskStateChanged:
		row.status = stringField(fields, "new_status")
	case bus.TopicTaskCompleted:
		row.runs++
		row.last = stringField(fields, "status")
		if name := stringField(fields, "name"); name != "" {
			row.name = name
		}
	}
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("clawtasks watch") + " " + dimStyle.Render(fmt.Sprintf("%s  %d events", m.label, m.events)) + "\n\n")

	if len(m.order) == 0 {
		b.WriteString(dimStyle.Render("waiting for task events...") + "\n")
	} else {
		r := renderer{styled: true}
		t := r.newTable("TASK", "NAME", "STATUS", "LAST RUN", "RUNS", "UPDATED")
		for _, id := range m.order {
			row := m.rows[id]
			t.Row(
				row.id,
				truncate(dash(row.name), 28),
				r.status(dash(row.status)),
				r.status(dash(row.last)),
				fmt.Sprint(row.runs),
				row.updated.Local().Format(time.TimeOnly),
			)
		}
		b.WriteString(t.Render() + "\n")
	}

	if len(m.recent) > 0 {
		b.WriteString("\n" + dimStyle.Render("recent events") + "\n")
		for _, line := range m.recent {
			b.WriteString(lipgloss.NewStyle().MaxWidth(120).Render(line) + "\n")
		}
	}
	b.WriteString("\n" + dimStyle.Render("Press q to quit.") + "\n")
	return b.String()
}
