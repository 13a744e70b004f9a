package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/billm/baaaht/forknode/pkg/types"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		content  string
		wantCode string
	}{
		{
			name: "full config",
			file: "config.yaml",
			content: `
logging:
  level: debug
  format: text
  output: stderr
channel:
  transport: pipe
  codec: lenprefix
  max_frame_size: 65536
  accept_timeout: 10s
  shutdown_timeout: 3s
fork:
  count: 2
  worker_path: /opt/forknode/worker
  worker_args: ["--verbose"]
metrics:
  enabled: true
  port: 9100
  path: /metrics
`,
		},
		{
			name:    "partial config takes defaults",
			file:    "config.yml",
			content: "channel:\n  transport: tcp\n",
		},
		{
			name:     "wrong extension",
			file:     "config.json",
			content:  "{}",
			wantCode: types.ErrCodeInvalidArgument,
		},
		{
			name:     "empty file",
			file:     "config.yaml",
			content:  "   \n\t",
			wantCode: types.ErrCodeInvalid,
		},
		{
			name:     "syntax error",
			file:     "config.yaml",
			content:  "channel: [unterminated",
			wantCode: types.ErrCodeInvalid,
		},
		{
			name:     "type error",
			file:     "config.yaml",
			content:  "fork:\n  count: many\n",
			wantCode: types.ErrCodeInvalid,
		},
		{
			name:     "fails validation",
			file:     "config.yaml",
			content:  "channel:\n  transport: carrier-pigeon\n",
			wantCode: types.ErrCodeInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfigFile(t, tt.file, tt.content)
			cfg, err := LoadFromFile(path)
			if tt.wantCode != "" {
				if err == nil {
					t.Fatalf("LoadFromFile() expected error with code %s", tt.wantCode)
				}
				if !types.IsErrCode(err, tt.wantCode) {
					t.Errorf("LoadFromFile() error = %v, want code %s", err, tt.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadFromFile() unexpected error: %v", err)
			}
			if cfg == nil {
				t.Fatal("LoadFromFile() returned nil config")
			}
		})
	}
}

func TestLoadFromFileValues(t *testing.T) {
	path := writeConfigFile(t, "config.yaml", `
channel:
  transport: pipe
  shutdown_timeout: 3s
fork:
  count: 2
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Channel.Transport != TransportPipe {
		t.Errorf("Transport = %s, want pipe", cfg.Channel.Transport)
	}
	if cfg.Channel.ShutdownTimeout != 3*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 3s", cfg.Channel.ShutdownTimeout)
	}
	if cfg.Channel.Codec != DefaultCodec {
		t.Errorf("Codec = %s, want default %s", cfg.Channel.Codec, DefaultCodec)
	}
	if cfg.Channel.MaxFrameSize != DefaultMaxFrameSize {
		t.Errorf("MaxFrameSize = %d, want default", cfg.Channel.MaxFrameSize)
	}
	if cfg.Logging.Level != DefaultLogLevel {
		t.Errorf("Logging.Level = %s, want default", cfg.Logging.Level)
	}
	if cfg.Fork.Count != 2 {
		t.Errorf("Fork.Count = %d, want 2", cfg.Fork.Count)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if !types.IsErrCode(err, types.ErrCodeNotFound) {
		t.Errorf("LoadFromFile() error = %v, want NOT_FOUND", err)
	}
}

func TestInterpolateEnvVars(t *testing.T) {
	t.Setenv("FORKNODE_TEST_WORKER", "/bin/worker")

	tests := []struct {
		in   string
		want string
	}{
		{"${FORKNODE_TEST_WORKER}", "/bin/worker"},
		{"${FORKNODE_TEST_UNSET:-fallback}", "fallback"},
		{"${FORKNODE_TEST_UNSET}", ""},
		{"prefix-${FORKNODE_TEST_WORKER}-suffix", "prefix-/bin/worker-suffix"},
		{"no placeholders", "no placeholders"},
	}

	for _, tt := range tests {
		if got := interpolateEnvVars(tt.in); got != tt.want {
			t.Errorf("interpolateEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadFromFileInterpolates(t *testing.T) {
	t.Setenv("FORKNODE_TEST_TRANSPORT", "pipe")
	path := writeConfigFile(t, "config.yaml", `
channel:
  transport: ${FORKNODE_TEST_TRANSPORT}
fork:
  worker_path: ${FORKNODE_TEST_MISSING:-/usr/bin/forknode-worker}
  env:
    MODE: ${FORKNODE_TEST_TRANSPORT}
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.Channel.Transport != TransportPipe {
		t.Errorf("Transport = %s, want pipe", cfg.Channel.Transport)
	}
	if cfg.Fork.WorkerPath != "/usr/bin/forknode-worker" {
		t.Errorf("WorkerPath = %s", cfg.Fork.WorkerPath)
	}
	if cfg.Fork.Env["MODE"] != "pipe" {
		t.Errorf("Env[MODE] = %s, want pipe", cfg.Fork.Env["MODE"])
	}
}
