package main

import (
	"bytes"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

// syncBuffer lets the test read output while run is still writing it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunPrintConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"-print-config"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d, stderr %q", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "port = 9999") {
		t.Fatalf("printed config missing port:\n%s", stdout.String())
	}
}

func TestRunBadArguments(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"not-a-port"}, &stdout, &stderr); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "Usage: server") {
		t.Fatalf("usage not printed: %q", stderr.String())
	}
}

func TestRunBindFailureIsFatal(t *testing.T) {
	taken, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		t.Fatal(err)
	}
	defer taken.Close()
	port := strconv.Itoa(taken.LocalAddr().(*net.UDPAddr).Port)

	t.Setenv("BEATWATCH_LOG_FILE", filepath.Join(t.TempDir(), "heartbeat.log"))

	var stdout, stderr bytes.Buffer
	if code := run([]string{port, "5"}, &stdout, &stderr); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "bind udp port "+port) {
		t.Fatalf("bind error not reported: %q", stderr.String())
	}
}

func TestRunInterruptExitsCleanly(t *testing.T) {
	t.Setenv("BEATWATCH_LOG_FILE", filepath.Join(t.TempDir(), "heartbeat.log"))
	t.Setenv("BEATWATCH_STATUS_ADDR", "127.0.0.1:0")
	t.Setenv("BEATWATCH_SMTP_ENABLED", "false")

	var stdout, stderr syncBuffer
	done := make(chan int, 1)
	go func() { done <- run([]string{"0", "5"}, &stdout, &stderr) }()

	// The banner is printed after the signal handler is installed.
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(stdout.String(), "--- Heartbeat server ---") {
		if time.Now().After(deadline) {
			t.Fatalf("server did not start: stdout %q stderr %q", stdout.String(), stderr.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGINT); err != nil {
		t.Fatal(err)
	}

	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("exit code = %d, stderr %q", code, stderr.String())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after SIGINT")
	}
	if !strings.Contains(stdout.String(), "Exiting...") {
		t.Fatalf("shutdown not reported: %q", stdout.String())
	}
}
