package tag

import (
	"bufio"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Silenus/server/internal/clock"
)

// UARTReader consumes line-framed UIDs from a serial reader that emits one
// line per successful read cycle. A tag counts as present while its latest
// line is no older than holdFor.
type UARTReader struct {
	holdFor time.Duration
	clock   clock.Clock
	logger  *slog.Logger
	src     io.Reader

	mu      sync.Mutex
	last    string
	lastAt  time.Time
	err     error
	closing bool
	done    chan struct{}
}

// NewUARTReader starts a goroutine that scans src until EOF or error.
func NewUARTReader(src io.Reader, holdFor time.Duration, clk clock.Clock, logger *slog.Logger) *UARTReader {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	u := &UARTReader{
		holdFor: holdFor,
		clock:   clk,
		logger:  logger,
		src:     src,
		done:    make(chan struct{}),
	}
	go u.scan()
	return u
}

func (u *UARTReader) scan() {
	defer close(u.done)
	sc := bufio.NewScanner(u.src)
	for sc.Scan() {
		line := sc.Text()
		uid, err := ParseHexUID(line)
		if err != nil {
			if line != "" {
				u.logger.Debug("uart reader: discarding frame", "error", err)
			}
			continue
		}
		u.mu.Lock()
		u.last = uid
		u.lastAt = u.clock.Now()
		u.mu.Unlock()
	}
	u.mu.Lock()
	// A read failing because Close shut the source is not a reader error.
	if !u.closing {
		u.err = sc.Err()
	}
	u.mu.Unlock()
}

func (u *UARTReader) ReadUID() (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.last == "" || u.clock.Now().Sub(u.lastAt) > u.holdFor {
		return "", false
	}
	return u.last, true
}

// Err reports the error that ended scanning, if any.
func (u *UARTReader) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

// Close closes the underlying source when it is closable and waits for the
// scanner to exit.
func (u *UARTReader) Close() error {
	u.mu.Lock()
	u.closing = true
	u.mu.Unlock()

	var err error
	if c, ok := u.src.(io.Closer); ok {
		err = c.Close()
	}
	<-u.done
	return err
}
