package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"agentcore/internal/domain"
)

// ParseTemplate decodes one YAML workflow document.
func ParseTemplate(data []byte) (domain.Workflow, error) {
	var wf domain.Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return domain.Workflow{}, fmt.Errorf("%w: decode yaml: %v", domain.ErrInvalidWorkflow, err)
	}
	for i := range wf.Steps {
		wf.Steps[i].Parameters = normalizeYAML(wf.Steps[i].Parameters)
	}
	g, err := BuildGraph(wf)
	if err != nil {
		return domain.Workflow{}, err
	}
	if err := ValidateRefs(g); err != nil {
		return domain.Workflow{}, err
	}
	return wf, nil
}

// normalizeYAML turns yaml's map[any]any leftovers into map[string]any so
// parameters look the same whether they came from YAML or JSON.
func normalizeYAML(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return normalizeYAML(typed)
	case map[any]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[fmt.Sprint(k)] = normalizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}

func LoadFile(path string) (domain.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Workflow{}, fmt.Errorf("read workflow %s: %w", path, err)
	}
	wf, err := ParseTemplate(data)
	if err != nil {
		return domain.Workflow{}, fmt.Errorf("load workflow %s: %w", path, err)
	}
	return wf, nil
}

func isTemplate(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadDir loads every *.yaml / *.yml file in dir. Files that fail to load are
// reported together; the valid ones are still returned.
func LoadDir(dir string) ([]domain.Workflow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read templates dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isTemplate(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var (
		out  []domain.Workflow
		errs []error
	)
	for _, name := range names {
		wf, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, wf)
	}
	return out, errors.Join(errs...)
}

// Watch reloads templates in dir whenever a file is created or written,
// handing each valid workflow to onLoad. It returns once the watcher is
// running; the watch stops when ctx is done.
func Watch(ctx context.Context, dir string, onLoad func(domain.Workflow), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create templates watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch templates dir %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
					continue
				}
				if !isTemplate(ev.Name) {
					continue
				}
				wf, err := LoadFile(ev.Name)
				if err != nil {
					logger.Warn("workflow template reload failed", "path", ev.Name, "error", err)
					continue
				}
				onLoad(wf)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("templates watcher error", "error", err)
			}
		}
	}()
	return nil
}
