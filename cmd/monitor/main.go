package main

import (
	"bytes"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/sync/errgroup"

	"agentcore/internal/domain"
)

type embeddedNode struct {
	cmd *exec.Cmd
	out bytes.Buffer
}

// snapshot is one poll of the admin API.
type snapshot struct {
	tasks       []domain.Task
	agents      []domain.AgentInfo
	stats       stats
	deadLetters []domain.DeadLetter
}

func main() {
	addr := flag.String("addr", "http://localhost:8091", "agentcore admin base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", true, "start agentcore serve for the lifetime of the monitor")
	binary := flag.String("agentcore-bin", "", "path to the agentcore binary (embedded mode)")
	dbPath := flag.String("db", "data/monitor.db", "sqlite db path for the embedded node")
	flag.Parse()

	c := newClient(*addr)

	if *embedded {
		proc, err := startEmbeddedNode(*addr, *binary, *dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded node: %v\n", err)
			os.Exit(1)
		}
		defer proc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "agentcore health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	tasksTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	tasksTable.SetTitle("Tasks (Enter inspect, Ctrl+X cancel)").SetBorder(true)

	detailView := tview.NewTextView().SetDynamicColors(true).SetWrap(true)
	detailView.SetTitle("Task").SetBorder(true)

	agentsView := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	agentsView.SetTitle("Agents").SetBorder(true)

	deadView := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	deadView.SetTitle("Dead letters (Ctrl+R replay oldest)").SetBorder(true)

	statsView := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	statsView.SetTitle("Stats").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel("task> ")
	promptInput.SetBorder(true).SetTitle("task_type [cap,cap] key=value ... (Enter submits)")

	statusView := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, Ctrl+L prompt, Ctrl+T tasks",
		c.baseURL,
		*embedded,
	))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(detailView, 0, 2, false).
		AddItem(agentsView, 0, 2, false).
		AddItem(deadView, 0, 1, false)
	mainLayout := tview.NewFlex().
		AddItem(tasksTable, 0, 1, false).
		AddItem(right, 0, 1, false)
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 10, false).
		AddItem(statsView, 6, 0, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	// UI state below is touched only from the tview event goroutine.
	var (
		selectedTaskID string
		last           snapshot
	)

	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	showSelected := func() {
		for _, t := range last.tasks {
			if t.ID == selectedTaskID {
				detailView.SetText(renderTask(t))
				return
			}
		}
		detailView.SetText(renderTask(domain.Task{}))
	}

	refresh := func() {
		var snap snapshot
		var g errgroup.Group
		g.Go(func() (err error) { snap.tasks, err = c.listTasks(); return })
		g.Go(func() (err error) { snap.agents, err = c.listAgents(); return })
		g.Go(func() (err error) { snap.stats, err = c.stats(); return })
		g.Go(func() (err error) { snap.deadLetters, err = c.listDeadLetters(); return })
		if err := g.Wait(); err != nil {
			setStatusAsync("[red]refresh failed:[-] " + err.Error())
			return
		}
		sortTasks(snap.tasks)
		sort.Slice(snap.agents, func(i, j int) bool { return snap.agents[i].ID < snap.agents[j].ID })
		sort.Slice(snap.deadLetters, func(i, j int) bool {
			return snap.deadLetters[i].FailedAt.Before(snap.deadLetters[j].FailedAt)
		})

		app.QueueUpdateDraw(func() {
			last = snap
			if selectedTaskID == "" && len(snap.tasks) > 0 {
				selectedTaskID = snap.tasks[0].ID
			}
			renderTasksTable(tasksTable, snap.tasks, selectedTaskID)
			agentsView.SetText(renderAgents(snap.agents, snap.stats.Orchestrator.Mailboxes))
			statsView.SetText(renderStats(snap.stats))
			deadView.SetText(renderDeadLetters(snap.deadLetters))
			showSelected()
		})
	}

	inspect := func(taskID string) {
		go func() {
			task, err := c.getTask(taskID)
			app.QueueUpdateDraw(func() {
				if taskID != selectedTaskID {
					return
				}
				if err != nil {
					detailView.SetText(fmt.Sprintf("error: %v", err))
					return
				}
				detailView.SetText(renderTask(task))
			})
		}()
	}

	submitPrompt := func(prompt string) {
		task, err := parsePrompt(prompt)
		if err != nil {
			statusView.SetText("[red]" + err.Error() + "[-]")
			return
		}
		promptInput.SetText("")
		statusView.SetText("Submitting " + task.Type + "...")
		go func() {
			id, err := c.submitTask(task)
			if err != nil {
				setStatusAsync("[red]submit failed:[-] " + err.Error())
				return
			}
			app.QueueUpdateDraw(func() {
				selectedTaskID = id
				statusView.SetText("Task submitted: " + id)
			})
			refresh()
		}()
	}

	cancelSelected := func() {
		id := selectedTaskID
		if id == "" {
			return
		}
		go func() {
			if err := c.cancelTask(id); err != nil {
				setStatusAsync("[red]cancel failed:[-] " + err.Error())
				return
			}
			setStatusAsync("Cancelled " + shortID(id))
			refresh()
		}()
	}

	replayOldest := func() {
		if len(last.deadLetters) == 0 {
			statusView.SetText("Dead-letter queue is empty")
			return
		}
		dl := last.deadLetters[0]
		go func() {
			delivered, err := c.replayDeadLetter(dl.ID)
			switch {
			case err != nil:
				setStatusAsync("[red]replay failed:[-] " + err.Error())
				return
			case !delivered:
				setStatusAsync(fmt.Sprintf("[yellow]%s rejected %s again[-]", dl.SubscriberID, shortID(dl.ID)))
			default:
				setStatusAsync(fmt.Sprintf("Replayed %s to %s", shortID(dl.ID), dl.SubscriberID))
			}
			refresh()
		}()
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitPrompt(promptInput.GetText())
	})

	tasksTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(last.tasks) {
			return
		}
		selectedTaskID = last.tasks[row-1].ID
		detailView.SetText("Loading...")
		inspect(selectedTaskID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go refresh()
			statusView.SetText("Refreshing...")
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(promptInput)
			return nil
		case tcell.KeyCtrlT:
			app.SetFocus(tasksTable)
			return nil
		case tcell.KeyCtrlR:
			replayOldest()
			return nil
		case tcell.KeyCtrlX:
			cancelSelected()
			return nil
		case tcell.KeyEscape, tcell.KeyTAB:
			if app.GetFocus() == promptInput {
				app.SetFocus(tasksTable)
			} else {
				app.SetFocus(promptInput)
			}
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		refresh()
		for range ticker.C {
			refresh()
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.healthy() {
			return nil
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

// startEmbeddedNode runs "agentcore serve" with the demo agents on the port
// named in addr. Without an explicit binary it prefers a sibling executable
// and falls back to go run.
func startEmbeddedNode(addr, binary, dbPath string) (*embeddedNode, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	args := []string{"serve", "--addr", ":" + port, "--demo", "--store", "sqlite", "--db", dbPath}
	var cmd *exec.Cmd
	switch {
	case strings.TrimSpace(binary) != "":
		cmd = exec.Command(binary, args...)
	default:
		if self, err := os.Executable(); err == nil {
			sibling := filepath.Join(filepath.Dir(self), "agentcore")
			if fileExists(sibling) {
				cmd = exec.Command(sibling, args...)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/agentcore"}, args...)...)
		}
	}

	proc := &embeddedNode{cmd: cmd}
	cmd.Stdout = &proc.out
	cmd.Stderr = &proc.out
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agentcore process: %w", err)
	}
	return proc, nil
}

func (e *embeddedNode) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Signal(os.Interrupt)
	done := make(chan struct{})
	go func() {
		_, _ = e.cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		_ = e.cmd.Process.Kill()
		<-done
	}
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
