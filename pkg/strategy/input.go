package strategy

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/term"
)

// Input yields at most one pending key per poll without blocking.
type Input interface {
	Poll() (rune, bool)
}

// ChanInput is an Input fed from another goroutine, such as a TUI.
type ChanInput struct {
	keys chan rune
}

// NewChanInput returns an input that buffers up to size keys.
func NewChanInput(size int) *ChanInput {
	if size <= 0 {
		size = 16
	}
	return &ChanInput{keys: make(chan rune, size)}
}

// Send queues a key. It reports false when the buffer is full.
func (c *ChanInput) Send(key rune) bool {
	select {
	case c.keys <- key:
		return true
	default:
		return false
	}
}

// Poll returns the next queued key, if any.
func (c *ChanInput) Poll() (rune, bool) {
	select {
	case k := <-c.keys:
		return k, true
	default:
		return 0, false
	}
}

// TerminalInput puts a terminal into raw mode and reads single keys from it.
// Close restores the previous terminal state and must run on every exit path.
type TerminalInput struct {
	f         *os.File
	old       *term.State
	keys      *ChanInput
	interrupt func()
	once      sync.Once
}

// ctrlC arrives as a byte in raw mode instead of raising SIGINT.
const ctrlC = 0x03

// OpenTerminal switches f to raw mode. onInterrupt, if set, is called when
// the operator presses Ctrl+C.
func OpenTerminal(f *os.File, onInterrupt func()) (*TerminalInput, error) {
	old, err := term.MakeRaw(int(f.Fd()))
	if err != nil {
		return nil, fmt.Errorf("raw terminal: %w", err)
	}
	t := &TerminalInput{
		f:         f,
		old:       old,
		keys:      NewChanInput(32),
		interrupt: onInterrupt,
	}
	go t.read()
	return t, nil
}

func (t *TerminalInput) read() {
	buf := make([]byte, 1)
	for {
		n, err := t.f.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		if buf[0] == ctrlC {
			if t.interrupt != nil {
				t.interrupt()
			}
			continue
		}
		t.keys.Send(rune(buf[0]))
	}
}

// Poll returns the next key pressed, if any.
func (t *TerminalInput) Poll() (rune, bool) {
	return t.keys.Poll()
}

// Close restores the terminal. Only the first call has any effect.
func (t *TerminalInput) Close() error {
	var err error
	t.once.Do(func() {
		err = term.Restore(int(t.f.Fd()), t.old)
	})
	return err
}
