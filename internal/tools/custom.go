package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultCommandTimeout = 60 * time.Second

// customManifest is the on-disk YAML shape of one user-supplied tool.
type customManifest struct {
	Name           string   `yaml:"name"`
	Description    string   `yaml:"description"`
	Command        []string `yaml:"command"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Schema         any      `yaml:"schema"`
}

// CommandTool is a custom tool backed by an external command. Arguments
// are piped to the command's stdin as JSON; stdout becomes the result.
type CommandTool struct {
	name        string
	description string
	schema      json.RawMessage
	command     []string
	timeout     time.Duration
}

func (t *CommandTool) Name() string            { return t.name }
func (t *CommandTool) Description() string     { return t.description }
func (t *CommandTool) Schema() json.RawMessage { return t.schema }

func (t *CommandTool) Execute(ctx context.Context, args json.RawMessage, _ ToolCtx) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.command[0], t.command[1:]...)
	cmd.Stdin = bytes.NewReader(args)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("%s: %s", t.name, detail)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// LoadCustomDir loads every *.yaml/*.yml manifest under dir into reg.
// A manifest that fails to parse, fails schema validation, or shadows an
// existing name is moved to quarantineDir with a .reason sidecar; loading
// always continues so one broken tool cannot block startup.
func LoadCustomDir(dir, quarantineDir string, reg *Registry, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tools")

	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("custom tools dir unreadable", "dir", dir, "error", err)
		}
		return 0
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		tool, err := loadManifest(path)
		if err == nil {
			err = reg.RegisterCustom(tool)
		}
		if err != nil {
			logger.Warn("quarantining custom tool", "file", entry.Name(), "reason", err)
			quarantine(path, quarantineDir, err, logger)
			continue
		}
		loaded++
		logger.Info("custom tool loaded", "name", tool.Name())
	}
	return loaded
}

func loadManifest(path string) (*CommandTool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m customManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("manifest missing name")
	}
	if len(m.Command) == 0 {
		return nil, fmt.Errorf("manifest missing command")
	}
	if m.Schema == nil {
		return nil, fmt.Errorf("manifest missing schema")
	}

	schema, err := json.Marshal(m.Schema)
	if err != nil {
		return nil, fmt.Errorf("schema not convertible to JSON: %w", err)
	}
	if err := ValidateSchema(schema); err != nil {
		return nil, err
	}

	timeout := defaultCommandTimeout
	if m.TimeoutSeconds > 0 {
		timeout = time.Duration(m.TimeoutSeconds) * time.Second
	}
	return &CommandTool{
		name:        m.Name,
		description: m.Description,
		schema:      schema,
		command:     m.Command,
		timeout:     timeout,
	}, nil
}

// quarantine moves a broken manifest aside and records why.
func quarantine(path, quarantineDir string, reason error, logger *slog.Logger) {
	if err := os.MkdirAll(quarantineDir, 0o755); err != nil {
		logger.Error("quarantine dir", "error", err)
		return
	}
	dest := filepath.Join(quarantineDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		logger.Error("quarantine move", "file", path, "error", err)
		return
	}
	note := fmt.Sprintf("%s\nquarantined: %s\n", reason.Error(), time.Now().Format(time.RFC3339))
	if err := os.WriteFile(dest+".reason", []byte(note), 0o600); err != nil {
		logger.Error("quarantine reason", "file", dest, "error", err)
	}
}
