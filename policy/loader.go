package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// LoadDir loads every .rego file under dir into the engine.
// The file name without extension becomes the policy name.
func (e *Engine) LoadDir(ctx context.Context, dir string) error {
	ctx, span := e.tracer.Start(ctx, "policy_engine.load_dir",
		trace.WithAttributes(attribute.String("policy.dir", dir)))
	defer span.End()

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("policy directory does not exist: %s", dir)
	}

	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() || !strings.HasSuffix(path, ".rego") {
			return nil
		}

		return e.loadPolicyFile(ctx, dir, path)
	})
}

func (e *Engine) loadPolicyFile(ctx context.Context, dir, path string) error {
	// Reject paths escaping the policy directory
	if err := validateFilePath(dir, path); err != nil {
		return fmt.Errorf("invalid policy path %s: %w", path, err)
	}

	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to read policy file %s: %w", path, err)
	}

	policyName := strings.TrimSuffix(filepath.Base(path), ".rego")

	if err := e.LoadPolicy(ctx, policyName, string(content)); err != nil {
		return fmt.Errorf("failed to load policy %s from %s: %w", policyName, path, err)
	}

	return nil
}

func validateFilePath(dir, path string) error {
	relPath, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to resolve relative path: %w", err)
	}

	if strings.HasPrefix(relPath, "..") {
		return fmt.Errorf("path traversal detected")
	}

	return nil
}
