package main

import (
	"testing"

	"github.com/fatih/color"

	"github.com/fentz26/swarmq/internal/models"
)

func TestParseBatch(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{
			name: "tasks key",
			input: `tasks:
  - id: build
    instruction: go build ./...
    budget_max: 1
  - id: test
    instruction: go test ./...
    depends_on: [build]
    budget_max: 1
`,
			want: 2,
		},
		{
			name: "bare list",
			input: `- instruction: echo hello
  mode: local
  budget_max: 0.5
`,
			want: 1,
		},
		{name: "empty list", input: "[]", wantErr: true},
		{name: "empty file", input: "", wantErr: true},
		{name: "not yaml", input: "tasks: [", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			specs, err := parseBatch([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error, got %d specs", len(specs))
				}
				return
			}
			if err != nil {
				t.Fatalf("parseBatch: %v", err)
			}
			if len(specs) != tt.want {
				t.Errorf("Expected %d specs, got %d", tt.want, len(specs))
			}
		})
	}
}

func TestParseBatchKeepsDependencies(t *testing.T) {
	specs, err := parseBatch([]byte(`tasks:
  - id: a
    instruction: one
    budget_max: 1
  - id: b
    instruction: two
    depends_on: [a]
    budget_max: 2
    parallel_safe: true
`))
	if err != nil {
		t.Fatalf("parseBatch: %v", err)
	}
	b := specs[1].Task()
	if len(b.DependsOn) != 1 || b.DependsOn[0] != "a" {
		t.Errorf("Unexpected depends_on %v", b.DependsOn)
	}
	if !b.ParallelSafe || b.BudgetMax != 2 || b.Mode != models.ModeLocal {
		t.Errorf("Unexpected task %+v", b)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly ten", 11, "exactly ten"},
		{"a longer instruction", 10, "a longe..."},
		{"two\nlines", 20, "two lines"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestTruncateID(t *testing.T) {
	if got := truncateID("0b4f9c1e-8d2a-4c55-9a51-2f7d1b0e6c3a"); got != "0b4f9c1e" {
		t.Errorf("Expected uuid prefix, got %q", got)
	}
	if got := truncateID("build.1"); got != "build.1" {
		t.Errorf("Expected caller id unchanged, got %q", got)
	}
}

func TestColorStatusPlain(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = prev }()

	for _, s := range models.AllStatuses {
		if got := colorStatus(s); got != string(s) {
			t.Errorf("colorStatus(%s) = %q", s, got)
		}
	}
	if got := colorStatus("unknown"); got != "unknown" {
		t.Errorf("Expected unknown status unchanged, got %q", got)
	}
}
