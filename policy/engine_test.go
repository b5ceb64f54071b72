package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func testFunction() FunctionInfo {
	return FunctionInfo{
		Name:     "prod-checkout",
		ARN:      "arn:aws:lambda:us-east-1:123456789012:function:prod-checkout",
		Region:   "us-east-1",
		Runtime:  "nodejs20.x",
		MemoryMB: 512,
		Tags:     map[string]string{"environment": "prod", "team": "payments"},
	}
}

func TestEngine_Basic(t *testing.T) {
	engine := NewEngine()

	// Policy that allows node runtimes
	testPolicy := `package mittari

import rego.v1

decision := "allow" if {
	startswith(input.function.runtime, "nodejs")
}

reason := "runtime supported" if {
	decision == "allow"
}`

	ctx := context.Background()
	err := engine.LoadPolicy(ctx, "runtime-check", testPolicy)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	input := NewInput("instrument", testFunction())

	result, err := engine.Evaluate(ctx, input)
	if err != nil {
		t.Fatalf("Failed to evaluate policies: %v", err)
	}

	if result.Decision != "allow" {
		t.Errorf("Expected decision 'allow', got '%s'", result.Decision)
	}
	if result.Reason != "runtime supported" {
		t.Errorf("Expected reason 'runtime supported', got '%s'", result.Reason)
	}
	if len(result.Policies) != 1 || result.Policies[0] != "runtime-check" {
		t.Errorf("Expected policies ['runtime-check'], got %v", result.Policies)
	}
	if !result.Allowed() {
		t.Error("Expected result to be allowed")
	}
}

func TestEngine_Deny(t *testing.T) {
	engine := NewEngine()

	testPolicy := `package mittari

import rego.v1

decision := "deny" if {
	input.function.tags["do-not-touch"] == "true"
}

reason := "function is opted out" if {
	decision == "deny"
}`

	ctx := context.Background()
	if err := engine.LoadPolicy(ctx, "opt-out", testPolicy); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	fn := testFunction()
	fn.Tags["do-not-touch"] = "true"

	result, err := engine.Evaluate(ctx, NewInput("instrument", fn))
	if err != nil {
		t.Fatalf("Failed to evaluate policies: %v", err)
	}

	if result.Decision != "deny" {
		t.Errorf("Expected decision 'deny', got '%s'", result.Decision)
	}
	if result.Allowed() {
		t.Error("Expected result to not be allowed")
	}
	if result.Reason != "function is opted out" {
		t.Errorf("Expected opt-out reason, got '%s'", result.Reason)
	}
}

func TestEngine_NoPolicies(t *testing.T) {
	engine := NewEngine()

	result, err := engine.Evaluate(context.Background(), NewInput("instrument", testFunction()))
	if err != nil {
		t.Fatalf("Failed to evaluate policies: %v", err)
	}

	// Should get default allow
	if result.Decision != "allow" {
		t.Errorf("Expected default decision 'allow', got '%s'", result.Decision)
	}
	if result.Reason != "no policies matched" {
		t.Errorf("Expected default reason, got '%s'", result.Reason)
	}
}

func TestEngine_MostRestrictiveWins(t *testing.T) {
	engine := NewEngine()

	allowPolicy := `package mittari.runtime

import rego.v1

decision := "allow" if {
	startswith(input.function.runtime, "nodejs")
}`

	denyPolicy := `package mittari.env

import rego.v1

decision := "deny" if {
	input.environment == "prod"
	input.command == "uninstrument"
}

reason := "removal blocked in prod" if {
	decision == "deny"
}`

	ctx := context.Background()
	if err := engine.LoadPolicy(ctx, "runtime", allowPolicy); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if err := engine.LoadPolicy(ctx, "env", denyPolicy); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	result, err := engine.Evaluate(ctx, NewInput("uninstrument", testFunction()))
	if err != nil {
		t.Fatalf("Failed to evaluate policies: %v", err)
	}

	if result.Decision != "deny" {
		t.Errorf("Expected 'deny' to win over 'allow', got '%s'", result.Decision)
	}
	if len(result.Policies) != 2 {
		t.Errorf("Expected both policies to match, got %v", result.Policies)
	}
}

func TestEngine_MetadataPassthrough(t *testing.T) {
	engine := NewEngine()

	testPolicy := `package mittari

import rego.v1

decision := "skip" if {
	input.function.memory_mb < 1024
}

suggested_memory := 1024 if {
	decision == "skip"
}`

	ctx := context.Background()
	if err := engine.LoadPolicy(ctx, "memory", testPolicy); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	result, err := engine.Evaluate(ctx, NewInput("instrument", testFunction()))
	if err != nil {
		t.Fatalf("Failed to evaluate policies: %v", err)
	}

	if result.Decision != "skip" {
		t.Errorf("Expected decision 'skip', got '%s'", result.Decision)
	}
	if _, ok := result.Metadata["suggested_memory"]; !ok {
		t.Errorf("Expected suggested_memory in metadata, got %v", result.Metadata)
	}
}

func TestEngine_InvalidPolicy(t *testing.T) {
	engine := NewEngine()

	err := engine.LoadPolicy(context.Background(), "broken", "this is not rego")
	if err == nil {
		t.Fatal("Expected error loading invalid policy")
	}
}

func TestEngine_LoadDir(t *testing.T) {
	dir := t.TempDir()

	policyFile := filepath.Join(dir, "skip-go.rego")
	policyContent := `package mittari

import rego.v1

decision := "skip" if {
	startswith(input.function.runtime, "go")
}

reason := "layer does not support go runtimes" if {
	decision == "skip"
}`

	if err := os.WriteFile(policyFile, []byte(policyContent), 0644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	engine := NewEngine()
	ctx := context.Background()

	if err := engine.LoadDir(ctx, dir); err != nil {
		t.Fatalf("Failed to load policy dir: %v", err)
	}

	if engine.PolicyCount() != 1 {
		t.Errorf("Expected 1 policy loaded, got %d", engine.PolicyCount())
	}

	fn := testFunction()
	fn.Runtime = "go1.x"

	result, err := engine.Evaluate(ctx, NewInput("instrument", fn))
	if err != nil {
		t.Fatalf("Failed to evaluate policies: %v", err)
	}

	if result.Decision != "skip" {
		t.Errorf("Expected decision 'skip', got '%s'", result.Decision)
	}
}

func TestEngine_LoadDirMissing(t *testing.T) {
	engine := NewEngine()

	err := engine.LoadDir(context.Background(), "/nonexistent/policies")
	if err == nil {
		t.Fatal("Expected error for missing directory")
	}
}

func TestDetectEnvironment(t *testing.T) {
	tests := []struct {
		name     string
		fn       FunctionInfo
		expected string
	}{
		{"environment tag", FunctionInfo{Name: "x", Tags: map[string]string{"environment": "prod"}}, "prod"},
		{"env tag", FunctionInfo{Name: "x", Tags: map[string]string{"env": "staging"}}, "staging"},
		{"prod in name", FunctionInfo{Name: "prod-api"}, "prod"},
		{"staging in name", FunctionInfo{Name: "staging-api"}, "staging"},
		{"dev in name", FunctionInfo{Name: "dev-api"}, "dev"},
		{"unknown", FunctionInfo{Name: "api"}, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectEnvironment(tt.fn); got != tt.expected {
				t.Errorf("Expected environment %q, got %q", tt.expected, got)
			}
		})
	}
}
