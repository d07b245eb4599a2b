// Package link owns the serial byte channel to a driver board. Writes are
// serialized and framed; reads happen on a background goroutine so callers
// can poll for complete lines without blocking.
package link

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

var (
	// ErrConnectionFailed is returned when the port cannot be opened.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrIO wraps write failures on an open link.
	ErrIO = errors.New("link i/o error")
	// ErrClosed is returned for writes after Close.
	ErrClosed = errors.New("link closed")
)

// Port is the part of a serial port the link needs.
type Port interface {
	io.ReadWriteCloser
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	ResetInputBuffer() error
}

// Config holds link parameters.
type Config struct {
	BaudRate    int
	SettleDelay time.Duration // wait after the reset pulse while the board reboots
	ResetPulse  time.Duration // how long DTR is held low
	QueueSize   int           // complete lines buffered for TryReadLine
}

// DefaultConfig returns the settings used by the driver boards.
func DefaultConfig() Config {
	return Config{
		BaudRate:    115200,
		SettleDelay: 2 * time.Second,
		ResetPulse:  100 * time.Millisecond,
		QueueSize:   64,
	}
}

// Link is a line-framed serial connection.
type Link struct {
	port   Port
	logger *zap.SugaredLogger

	writeMu sync.Mutex
	lines   chan string
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Open opens the serial device at address and performs the reset handshake.
func Open(address string, cfg Config, logger *zap.SugaredLogger) (*Link, error) {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = DefaultConfig().BaudRate
	}
	port, err := serial.Open(address, &serial.Mode{BaudRate: cfg.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrConnectionFailed, address, err)
	}
	l, err := New(port, cfg, logger)
	if err != nil {
		port.Close()
		return nil, err
	}
	logger.Infow("link open", "port", address, "baud", cfg.BaudRate)
	return l, nil
}

// New wraps an already opened port, resets the remote board and starts the
// reader goroutine.
func New(port Port, cfg Config, logger *zap.SugaredLogger) (*Link, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	// Toggle DTR to reboot the board, then give it time to come up.
	if err := port.SetDTR(false); err != nil {
		return nil, fmt.Errorf("%w: clear dtr: %v", ErrConnectionFailed, err)
	}
	time.Sleep(cfg.ResetPulse)
	if err := port.SetDTR(true); err != nil {
		return nil, fmt.Errorf("%w: set dtr: %v", ErrConnectionFailed, err)
	}
	if err := port.SetRTS(true); err != nil {
		return nil, fmt.Errorf("%w: set rts: %v", ErrConnectionFailed, err)
	}
	time.Sleep(cfg.SettleDelay)
	if err := port.ResetInputBuffer(); err != nil {
		return nil, fmt.Errorf("%w: flush input: %v", ErrConnectionFailed, err)
	}

	l := &Link{
		port:   port,
		logger: logger,
		lines:  make(chan string, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

// WriteFrame writes one complete frame. Concurrent callers never interleave.
func (l *Link) WriteFrame(frame []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	select {
	case <-l.done:
		return ErrClosed
	default:
	}

	if _, err := l.port.Write(frame); err != nil {
		return fmt.Errorf("%w: write %q: %v", ErrIO, strings.TrimSpace(string(frame)), err)
	}
	return nil
}

// TryReadLine returns the next complete line if one is buffered.
func (l *Link) TryReadLine() (string, bool) {
	select {
	case line := <-l.lines:
		return line, true
	default:
		return "", false
	}
}

// Buffered returns the number of complete lines waiting to be read.
func (l *Link) Buffered() int {
	return len(l.lines)
}

// Close closes the port. Only the first call has any effect.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.writeMu.Lock()
		close(l.done)
		l.closeErr = l.port.Close()
		l.writeMu.Unlock()
	})
	return l.closeErr
}

func (l *Link) readLoop() {
	r := bufio.NewReader(l.port)
	for {
		raw, err := r.ReadString('\n')
		if err != nil {
			select {
			case <-l.done:
			default:
				l.logger.Warnw("link reader stopped", "error", err)
			}
			return
		}

		line := strings.TrimRight(raw, "\r\n")
		if line == "" {
			continue
		}
		l.push(line)
	}
}

// push queues a line, dropping the oldest one when the queue is full so the
// freshest telemetry wins.
func (l *Link) push(line string) {
	select {
	case l.lines <- line:
		return
	default:
	}
	select {
	case <-l.lines:
	default:
	}
	select {
	case l.lines <- line:
	default:
	}
}
