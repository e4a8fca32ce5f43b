package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"agentcore/internal/domain"
	"agentcore/internal/messaging/inproc"
	"agentcore/internal/orchestrator"
)

// parsePrompt turns "task_type [cap,cap] key=value ..." into a task. Values
// stay strings; the agent decides how to read them.
func parsePrompt(input string) (domain.Task, error) {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return domain.Task{}, errors.New("empty prompt")
	}
	task := domain.Task{Type: fields[0], Parameters: map[string]any{}}
	for _, f := range fields[1:] {
		switch {
		case strings.HasPrefix(f, "[") && strings.HasSuffix(f, "]"):
			for _, c := range strings.Split(strings.Trim(f, "[]"), ",") {
				if c = strings.TrimSpace(c); c != "" {
					task.RequiredCapabilities = append(task.RequiredCapabilities, domain.Capability(c))
				}
			}
		case strings.Contains(f, "="):
			k, v, _ := strings.Cut(f, "=")
			if k == "" {
				return domain.Task{}, fmt.Errorf("bad parameter %q", f)
			}
			task.Parameters[k] = v
		default:
			return domain.Task{}, fmt.Errorf("unexpected %q: use [cap,...] or key=value", f)
		}
	}
	return task, nil
}

// sortTasks puts live tasks first, then the most recently touched.
func sortTasks(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		fi, fj := tasks[i].Status.Final(), tasks[j].Status.Final()
		if fi != fj {
			return !fi
		}
		return lastTouched(tasks[i]).After(lastTouched(tasks[j]))
	})
}

func lastTouched(t domain.Task) time.Time {
	switch {
	case t.CompletedAt != nil:
		return *t.CompletedAt
	case t.StartedAt != nil:
		return *t.StartedAt
	default:
		return t.CreatedAt
	}
}

func statusColor(status domain.TaskStatus) tcell.Color {
	switch status {
	case domain.TaskStatusCompleted:
		return tcell.ColorGreen
	case domain.TaskStatusFailed, domain.TaskStatusTimeout:
		return tcell.ColorRed
	case domain.TaskStatusRunning:
		return tcell.ColorYellow
	case domain.TaskStatusCancelled:
		return tcell.ColorGray
	default:
		return tview.Styles.PrimaryTextColor
	}
}

func renderTasksTable(table *tview.Table, tasks []domain.Task, selectedTaskID string) {
	table.Clear()
	headers := []string{"Task", "Status", "Type", "Agent", "Updated"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, t := range tasks {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(t.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(t.Status)).SetTextColor(statusColor(t.Status)))
		table.SetCell(row, 2, tview.NewTableCell(trimLine(t.Type, 28)))
		table.SetCell(row, 3, tview.NewTableCell(t.AgentID))
		table.SetCell(row, 4, tview.NewTableCell(lastTouched(t).Local().Format("15:04:05")))
		if t.ID == selectedTaskID {
			table.Select(row, 0)
		}
	}
}

func renderTask(t domain.Task) string {
	if t.ID == "" {
		return "No task selected"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[::b]%s[::-]  %s  status=%s priority=%d\n", t.ID, t.Type, t.Status, t.Priority)
	if t.AgentID != "" {
		fmt.Fprintf(&b, "agent: %s\n", t.AgentID)
	}
	if len(t.RequiredCapabilities) > 0 {
		fmt.Fprintf(&b, "capabilities: %v\n", t.RequiredCapabilities)
	}
	if t.RoutingAttempts > 0 {
		fmt.Fprintf(&b, "routing attempts: %d\n", t.RoutingAttempts)
	}
	if t.StartedAt != nil && t.CompletedAt != nil {
		fmt.Fprintf(&b, "took: %s\n", t.CompletedAt.Sub(*t.StartedAt).Round(time.Millisecond))
	}
	if s := summarize(t.Parameters); s != "" {
		b.WriteString("params: " + trimLine(s, 160) + "\n")
	}
	if s := summarize(t.Result); s != "" {
		b.WriteString("[green]result:[-] " + trimLine(s, 240) + "\n")
	}
	if t.Error != "" {
		b.WriteString("[red]error:[-] " + trimLine(t.Error, 240) + "\n")
	}
	if len(t.ChildTasks) > 0 {
		fmt.Fprintf(&b, "children: %d\n", len(t.ChildTasks))
	}
	return b.String()
}

// renderAgents lists agents with their mailbox fill; agents hosted by another
// server have no mailbox here and show "-".
func renderAgents(agents []domain.AgentInfo, mailboxes map[string]inproc.MailboxStats) string {
	if len(agents) == 0 {
		return "No agents registered"
	}
	var b strings.Builder
	for _, a := range agents {
		inbox := "-"
		if mb, ok := mailboxes[a.ID]; ok {
			inbox = fmt.Sprintf("%d/%d", mb.Depth, mb.Capacity)
			if mb.Rejected > 0 {
				inbox += fmt.Sprintf(" [red]full x%d[-]", mb.Rejected)
			}
		}
		fmt.Fprintf(&b, "%-16s %-14s %-8s load=%d/%d ok=%3.0f%% done=%d inbox=%s\n",
			trimLine(a.ID, 16), a.Type, a.Status,
			len(a.CurrentTasks), a.MaxConcurrent,
			a.Metrics.SuccessRate*100, a.Metrics.TasksCompleted, inbox,
		)
	}
	return b.String()
}

func renderStats(s stats) string {
	o, e := s.Orchestrator, s.EventBus
	var b strings.Builder
	fmt.Fprintf(&b, "server %s  up %s  agents=%d\n",
		shortID(o.ServerID), (time.Duration(o.UptimeSeconds) * time.Second).String(), o.Agents)
	fmt.Fprintf(&b, "queue %d/%d  submitted=%d completed=%d failed=%d timeout=%d cancelled=%d\n",
		o.QueueDepth, o.QueueCapacity, o.Submitted, o.Completed, o.Failed, o.TimedOut, o.Cancelled)
	fmt.Fprintf(&b, "routing failures=%d  pending messages=%d  running workflows=%d\n",
		o.RoutingFailures, o.PendingMessages, o.RunningWorkflows)

	names := make([]string, 0, len(o.Loops))
	for name := range o.Loops {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		l := o.Loops[name]
		state := string(l.State)
		if l.State == orchestrator.LoopBackoff {
			state = "[red]backoff[-]"
		}
		parts = append(parts, fmt.Sprintf("%s=%s(%d)", name, state, l.Failures))
	}
	if len(parts) > 0 {
		b.WriteString("loops " + strings.Join(parts, " ") + "\n")
	}
	fmt.Fprintf(&b, "events published=%d delivered=%d failed=%d dead=%d limited=%d relayed=%d subs=%d streams=%d\n",
		e.Published, e.Delivered, e.Failed, e.DeadLettered, e.RateLimited, e.Relayed, e.Subscriptions, e.Streams)
	return b.String()
}

func renderDeadLetters(items []domain.DeadLetter) string {
	if len(items) == 0 {
		return "Dead-letter queue is empty"
	}
	var b strings.Builder
	for _, dl := range items {
		fmt.Fprintf(&b, "[%s] %s %s -> %s attempts=%d\n  reason: %s\n",
			dl.FailedAt.Local().Format("15:04:05"),
			shortID(dl.ID),
			dl.Event.Type,
			dl.SubscriberID,
			dl.Attempts,
			trimLine(dl.Reason, 100),
		)
	}
	return b.String()
}

func summarize(kv map[string]any) string {
	if len(kv) == 0 {
		return ""
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
	}
	return strings.Join(parts, ", ")
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
