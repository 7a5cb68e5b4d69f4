package installer

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Pip installs packages with the pip executable of a target environment.
type Pip struct {
	pipPath string
	workDir string
}

// NewPip creates a pip-backed installer. An empty pipPath uses the pip on
// PATH.
func NewPip(pipPath, workDir string) *Pip {
	if pipPath == "" {
		pipPath = "pip"
	}
	return &Pip{pipPath: pipPath, workDir: workDir}
}

// Name returns the installer identifier.
func (p *Pip) Name() string {
	return "pip"
}

// validName rejects anything that is not a plain package name. Version
// pins, URLs, and local paths never reach pip through this installer.
func validName(name string) bool {
	if name == "" || len(name) > 128 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return !strings.HasPrefix(name, "-")
}

// Install installs a package.
func (p *Pip) Install(ctx context.Context, name string) error {
	if !validName(name) {
		return fmt.Errorf("invalid package name: %q", name)
	}
	return p.run(ctx, "install", "--no-input", name)
}

// Uninstall removes a package.
func (p *Pip) Uninstall(ctx context.Context, name string) error {
	if !validName(name) {
		return fmt.Errorf("invalid package name: %q", name)
	}
	return p.run(ctx, "uninstall", "--yes", name)
}

// List returns installed package names from pip's freeze output.
func (p *Pip) List(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, p.pipPath, "list", "--format=freeze")
	if p.workDir != "" {
		cmd.Dir = p.workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pip list: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var names []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// freeze format: name==version
		if idx := strings.Index(line, "=="); idx > 0 {
			names = append(names, strings.ToLower(line[:idx]))
		}
	}
	return names, nil
}

func (p *Pip) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, p.pipPath, args...)
	if p.workDir != "" {
		cmd.Dir = p.workDir
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pip %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
