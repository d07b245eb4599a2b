package link

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakePort struct {
	r      *io.PipeReader
	remote *io.PipeWriter

	mu       sync.Mutex
	written  bytes.Buffer
	dtr      []bool
	rts      bool
	flushed  int
	closes   int
	writeErr error
}

func newFakePort() *fakePort {
	r, w := io.Pipe()
	return &fakePort{r: r, remote: w}
}

func (p *fakePort) Read(b []byte) (int, error) { return p.r.Read(b) }

// Write copies one byte at a time so unserialized writers would interleave.
func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	err := p.writeErr
	p.mu.Unlock()
	if err != nil {
		return 0, err
	}
	for _, c := range b {
		p.mu.Lock()
		p.written.WriteByte(c)
		p.mu.Unlock()
		runtime.Gosched()
	}
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	return p.r.Close()
}

func (p *fakePort) SetDTR(v bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dtr = append(p.dtr, v)
	return nil
}

func (p *fakePort) SetRTS(v bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rts = v
	return nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushed++
	return nil
}

func (p *fakePort) output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func testConfig() Config {
	return Config{QueueSize: 4}
}

func newTestLink(t *testing.T) (*Link, *fakePort) {
	t.Helper()
	port := newFakePort()
	l, err := New(port, testConfig(), zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, port
}

func waitBuffered(t *testing.T, l *Link, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for l.Buffered() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d buffered lines, have %d", n, l.Buffered())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNew_Handshake(t *testing.T) {
	_, port := newTestLink(t)

	port.mu.Lock()
	defer port.mu.Unlock()
	if len(port.dtr) != 2 || port.dtr[0] || !port.dtr[1] {
		t.Errorf("DTR sequence = %v, want [false true]", port.dtr)
	}
	if !port.rts {
		t.Error("RTS not raised")
	}
	if port.flushed != 1 {
		t.Errorf("input buffer flushed %d times, want 1", port.flushed)
	}
}

func TestTryReadLine_NonBlocking(t *testing.T) {
	l, _ := newTestLink(t)

	start := time.Now()
	line, ok := l.TryReadLine()
	if ok || line != "" {
		t.Errorf("TryReadLine on empty link = %q, %v", line, ok)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Error("TryReadLine blocked")
	}
}

func TestTryReadLine_CompleteLinesOnly(t *testing.T) {
	l, port := newTestLink(t)

	go io.WriteString(port.remote, "S:1,2\r\nS:3")
	waitBuffered(t, l, 1)

	line, ok := l.TryReadLine()
	if !ok || line != "S:1,2" {
		t.Errorf("TryReadLine = %q, %v, want S:1,2", line, ok)
	}
	if line, ok := l.TryReadLine(); ok {
		t.Errorf("partial line returned: %q", line)
	}

	go io.WriteString(port.remote, ",4\n")
	waitBuffered(t, l, 1)
	if line, _ := l.TryReadLine(); line != "S:3,4" {
		t.Errorf("joined line = %q, want S:3,4", line)
	}
}

func TestTryReadLine_DropsOldestWhenFull(t *testing.T) {
	l, port := newTestLink(t)

	go func() {
		for i := 0; i < 6; i++ {
			fmt.Fprintf(port.remote, "S:%d\n", i)
		}
	}()
	waitBuffered(t, l, 4)
	// Give the reader a moment to push the remaining lines.
	time.Sleep(20 * time.Millisecond)

	var got []string
	for {
		line, ok := l.TryReadLine()
		if !ok {
			break
		}
		got = append(got, line)
	}
	if len(got) != 4 || got[len(got)-1] != "S:5" {
		t.Errorf("queued lines = %v, want last four ending with S:5", got)
	}
}

func TestWriteFrame_Serialized(t *testing.T) {
	l, port := newTestLink(t)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if err := l.WriteFrame([]byte(fmt.Sprintf("D:%d,3,%d\n", g+1, i))); err != nil {
					t.Errorf("WriteFrame: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(port.output(), "\n"), "\n")
	if len(lines) != 160 {
		t.Fatalf("got %d frames, want 160", len(lines))
	}
	for _, line := range lines {
		var id, mode, target int
		if n, err := fmt.Sscanf(line, "D:%d,%d,%d", &id, &mode, &target); n != 3 || err != nil {
			t.Errorf("interleaved frame %q", line)
		}
	}
}

func TestWriteFrame_IOError(t *testing.T) {
	l, port := newTestLink(t)
	port.mu.Lock()
	port.writeErr = errors.New("unplugged")
	port.mu.Unlock()

	err := l.WriteFrame([]byte("E:1\n"))
	if !errors.Is(err, ErrIO) {
		t.Errorf("WriteFrame error = %v, want ErrIO", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	l, port := newTestLink(t)

	for i := 0; i < 3; i++ {
		if err := l.Close(); err != nil {
			t.Errorf("Close #%d: %v", i, err)
		}
	}
	port.mu.Lock()
	closes := port.closes
	port.mu.Unlock()
	if closes != 1 {
		t.Errorf("port closed %d times, want 1", closes)
	}

	if err := l.WriteFrame([]byte("STOP\n")); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteFrame after Close = %v, want ErrClosed", err)
	}
}

func TestOpen_ConnectionFailed(t *testing.T) {
	_, err := Open("/dev/does-not-exist-armlatable", testConfig(), zap.NewNop().Sugar())
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Open error = %v, want ErrConnectionFailed", err)
	}
}
