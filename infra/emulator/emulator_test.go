package emulator

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeRunner struct {
	running bool
	stderr  map[string]string
	err     error
	calls   []string
}

func (f *fakeRunner) run(_ context.Context, _ string, args ...string) ([]byte, []byte, error) {
	cmd := strings.Join(args, " ")
	f.calls = append(f.calls, cmd)
	if f.err != nil {
		return nil, nil, f.err
	}
	if cmd == "status" {
		return []byte("Windows Azure Storage Emulator status\r\nIsRunning: " + boolString(f.running) + "\r\nBlobEndpoint: http://127.0.0.1:10000/\r\n"), nil, nil
	}
	switch cmd {
	case "start":
		f.running = true
	case "stop":
		f.running = false
	}
	return nil, []byte(f.stderr[cmd]), nil
}

func boolString(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		out  string
		want bool
	}{
		{"running", "IsRunning: True\n", true},
		{"stopped", "Status\nIsRunning: false\n", false},
		{"missing line", "nothing here\n", false},
		{"last colon wins", "IsRunning: x: true\n", true},
		{"crlf", "IsRunning: True\r\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseStatus([]byte(tt.out))
			if err != nil {
				t.Fatalf("parseStatus() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("parseStatus() = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := parseStatus([]byte("IsRunning: maybe")); err == nil {
		t.Error("parseStatus() expected error for non-bool value")
	}
}

func TestParseError(t *testing.T) {
	t.Parallel()

	if got := parseError([]byte("Error: port 10000 is in use\n")); got != "port 10000 is in use" {
		t.Errorf("parseError() = %q", got)
	}
	if got := parseError(nil); got != "" {
		t.Errorf("parseError(nil) = %q, want empty", got)
	}
}

func TestStart_OnlyWhenNotRunning(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{}
	e := New(WithRunner(r.run))

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	want := []string{"status", "start", "status"}
	if strings.Join(r.calls, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", r.calls, want)
	}
}

func TestStop_OnlyWhenRunning(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{}
	e := New(WithRunner(r.run))
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if strings.Join(r.calls, ",") != "status" {
		t.Errorf("calls = %v, want only status", r.calls)
	}

	r.running = true
	r.calls = nil
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if strings.Join(r.calls, ",") != "status,stop" {
		t.Errorf("calls = %v, want status,stop", r.calls)
	}
}

func TestInit_ReportsStderr(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{stderr: map[string]string{"init": "Error: SQL instance not found"}}
	e := New(WithRunner(r.run))

	err := e.Run(context.Background(), CommandInit)
	if err == nil || !strings.Contains(err.Error(), "SQL instance not found") {
		t.Fatalf("Init() error = %v, want stderr message", err)
	}
}

func TestRunnerError(t *testing.T) {
	t.Parallel()

	boom := errors.New("exec: not found")
	e := New(WithRunner((&fakeRunner{err: boom}).run))
	if _, err := e.IsRunning(context.Background()); !errors.Is(err, boom) {
		t.Errorf("IsRunning() error = %v, want runner error", err)
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	if c, err := ParseCommand(" Start "); err != nil || c != CommandStart {
		t.Errorf("ParseCommand(Start) = %q, %v", c, err)
	}
	if _, err := ParseCommand("restart"); err == nil {
		t.Error("ParseCommand(restart) expected error")
	}
}
