// Package replay implements an event source that replays recorded controller events
// from JSON lines, one event object per line.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"zof/pkg/zof"
)

// SourceType is the configuration type token of replay sources.
const SourceType = "replay"

const maxLineBytes = 1 << 20

// Config is the JSON configuration of a replay source.
type Config struct {
	// Path is the JSON-lines file to replay.
	Path string `json:"path"`
	// HoldOpen keeps the source running after the last event until cancellation.
	HoldOpen bool `json:"hold_open"`
	// Interval paces events, as a Go duration string. Empty replays as fast as possible.
	Interval string `json:"interval"`
}

// Source replays events read from a stream.
type Source struct {
	name     string
	open     func() (io.ReadCloser, error)
	holdOpen bool
	interval time.Duration
	logger   *slog.Logger
}

// Option configures a Source.
type Option func(*Source)

// WithHoldOpen keeps Start blocked after the stream is exhausted until its context ends.
func WithHoldOpen() Option {
	return func(s *Source) {
		s.holdOpen = true
	}
}

// WithInterval waits interval between consecutive events.
func WithInterval(interval time.Duration) Option {
	return func(s *Source) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithLogger sets the source logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a source that calls open once per Start.
func New(name string, open func() (io.ReadCloser, error), options ...Option) *Source {
	source := &Source{
		name:   name,
		open:   open,
		logger: slog.Default(),
	}
	for _, option := range options {
		option(source)
	}

	return source
}

// NewFile creates a source replaying the file at path.
func NewFile(name string, path string, options ...Option) *Source {
	return New(name, func() (io.ReadCloser, error) {
		return os.Open(path)
	}, options...)
}

// NewReader creates a source replaying reader.
func NewReader(name string, reader io.Reader, options ...Option) *Source {
	return New(name, func() (io.ReadCloser, error) {
		return io.NopCloser(reader), nil
	}, options...)
}

// BuildFromConfig builds a file-backed source from its JSON configuration.
func BuildFromConfig(name string, logger *slog.Logger, raw []byte) (*Source, error) {
	var cfg Config
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse replay config: %w", err)
		}
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("parse replay config: missing path")
	}

	options := []Option{WithLogger(logger)}
	if cfg.HoldOpen {
		options = append(options, WithHoldOpen())
	}
	if cfg.Interval != "" {
		interval, err := time.ParseDuration(cfg.Interval)
		if err != nil {
			return nil, fmt.Errorf("parse replay config interval: %w", err)
		}
		if interval < 0 {
			return nil, fmt.Errorf("parse replay config interval: must be >= 0")
		}
		options = append(options, WithInterval(interval))
	}

	return NewFile(name, cfg.Path, options...), nil
}

// Name returns the configured source name.
func (s *Source) Name() string {
	return s.name
}

// Start posts every event of the stream to sink in order. Events dropped by backpressure
// are logged and skipped; a malformed line ends the replay with an error naming it.
func (s *Source) Start(ctx context.Context, sink zof.EventSink) error {
	if s.open == nil {
		return fmt.Errorf("replay %s: nil stream opener", s.name)
	}
	stream, err := s.open()
	if err != nil {
		return fmt.Errorf("replay %s: open stream: %w", s.name, err)
	}
	defer stream.Close()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	line := 0
	posted := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		event, err := decodeEvent(raw)
		if err != nil {
			return fmt.Errorf("replay %s line %d: %w", s.name, line, err)
		}
		if posted > 0 && s.interval > 0 {
			if err := sleep(ctx, s.interval); err != nil {
				return err
			}
		}

		if err := sink.Post(ctx, event); err != nil {
			if errors.Is(err, zof.ErrEventDropped) {
				s.logger.WarnContext(ctx, "replay event dropped", "line", line, "error", err)
				continue
			}
			return fmt.Errorf("replay %s line %d: %w", s.name, line, err)
		}
		posted++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("replay %s after line %d: %w", s.name, line, err)
	}

	s.logger.InfoContext(ctx, "replay finished", "events", posted, "lines", line)
	if !s.holdOpen {
		return nil
	}

	<-ctx.Done()
	return ctx.Err()
}

// Shutdown has nothing to release; the stream is closed when Start returns.
func (s *Source) Shutdown(context.Context) error {
	return nil
}

// decodeEvent parses one event object. Numbers stay json.Number so large datapath ids
// survive intact.
func decodeEvent(raw []byte) (zof.Event, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var event zof.Event
	if err := decoder.Decode(&event); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if decoder.More() {
		return nil, fmt.Errorf("decode event: trailing data")
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}

	return event, nil
}

func sleep(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
