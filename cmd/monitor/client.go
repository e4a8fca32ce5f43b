package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agentcore/internal/domain"
	"agentcore/internal/eventbus"
	"agentcore/internal/orchestrator"
)

// stats mirrors the GET /stats payload of agentcore serve.
type stats struct {
	Orchestrator orchestrator.Stats `json:"orchestrator"`
	EventBus     eventbus.Stats     `json:"eventbus"`
	DeadLetters  int                `json:"dead_letters"`
}

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *client) listTasks() ([]domain.Task, error) {
	var out []domain.Task
	if err := c.getJSON("/tasks", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getTask(id string) (domain.Task, error) {
	var out domain.Task
	err := c.getJSON("/tasks/"+url.PathEscape(id), &out)
	return out, err
}

func (c *client) listAgents() ([]domain.AgentInfo, error) {
	var out []domain.AgentInfo
	if err := c.getJSON("/agents", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) stats() (stats, error) {
	var out stats
	err := c.getJSON("/stats", &out)
	return out, err
}

func (c *client) listDeadLetters() ([]domain.DeadLetter, error) {
	var out []domain.DeadLetter
	if err := c.getJSON("/dead-letters", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// replayDeadLetter reports whether the subscription accepted the event this time.
func (c *client) replayDeadLetter(id string) (bool, error) {
	var out struct {
		Delivered bool `json:"delivered"`
	}
	err := c.postJSON("/dead-letters/"+url.PathEscape(id)+"/replay", nil, &out)
	return out.Delivered, err
}

func (c *client) submitTask(task domain.Task) (string, error) {
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := c.postJSON("/tasks", task, &out); err != nil {
		return "", err
	}
	return out.TaskID, nil
}

func (c *client) cancelTask(id string) error {
	return c.postJSON("/tasks/"+url.PathEscape(id)+"/cancel", nil, nil)
}

func (c *client) healthy() bool {
	resp, err := c.http.Get(c.baseURL + "/healthz")
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < 300
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
