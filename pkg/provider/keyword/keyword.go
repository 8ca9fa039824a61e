// Package keyword provides a streaming client for a remote keyword-spotting
// service over WebSocket.
//
// The client sends raw PCM frames as binary messages and receives JSON hit
// events whenever the service recognizes one of the configured phrases. The
// connection is network-bound and fragile; callers wrap session
// establishment behind the resilience layer's keyword-detection capability.
package keyword

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultSampleRate = 16000
)

// Hit is one recognized keyword occurrence.
type Hit struct {
	Keyword    string  `json:"keyword"`
	Confidence float64 `json:"confidence"`
	// Timestamp is the hit position within the stream, reported by the
	// service in milliseconds.
	TimestampMs int64 `json:"timestamp_ms"`
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithPhrases sets the phrases the service should listen for. At least one
// phrase must be configured before Listen.
func WithPhrases(phrases ...string) Option {
	return func(c *Client) {
		c.phrases = phrases
	}
}

// WithSampleRate sets the PCM sample rate announced to the service.
// Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(c *Client) {
		c.sampleRate = rate
	}
}

// Client connects to the keyword-spotting service. Safe for concurrent use;
// each Listen call opens an independent session.
type Client struct {
	serviceURL string
	phrases    []string
	sampleRate int
}

// New creates a Client for the service at serviceURL (e.g.,
// "ws://localhost:8765/spot"). serviceURL must be non-empty.
func New(serviceURL string, opts ...Option) (*Client, error) {
	if serviceURL == "" {
		return nil, errors.New("keyword: serviceURL must not be empty")
	}
	c := &Client{
		serviceURL: serviceURL,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Listen opens a streaming session. The returned Session is ready to accept
// audio immediately; the caller owns it and must call Close when done.
func (c *Client) Listen(ctx context.Context) (*Session, error) {
	if len(c.phrases) == 0 {
		return nil, errors.New("keyword: no phrases configured")
	}

	wsURL, err := c.buildURL()
	if err != nil {
		return nil, fmt.Errorf("keyword: build URL: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("keyword: dial: %w", err)
	}

	s := &Session{
		conn:  conn,
		hits:  make(chan Hit, 16),
		audio: make(chan []byte, 256),
		done:  make(chan struct{}),
	}

	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.writeLoop(ctx)

	slog.Debug("keyword session opened", "url", c.serviceURL, "phrases", len(c.phrases))
	return s, nil
}

// Probe dials the service and immediately closes the connection. Used as a
// lightweight health check during circuit recovery.
func (c *Client) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	wsURL, err := c.buildURL()
	if err != nil {
		return fmt.Errorf("keyword: build URL: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("keyword: probe dial: %w", err)
	}
	return conn.Close(websocket.StatusNormalClosure, "probe")
}

func (c *Client) buildURL() (string, error) {
	u, err := url.Parse(c.serviceURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(c.sampleRate))
	for _, p := range c.phrases {
		q.Add("phrase", p)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Session is a live keyword-spotting stream.
type Session struct {
	conn  *websocket.Conn
	hits  chan Hit
	audio chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM chunk for delivery to the service. Returns an error
// after Close.
func (s *Session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("keyword: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("keyword: session is closed")
	}
}

// Hits returns the channel of recognized keywords. It is closed when the
// session ends.
func (s *Session) Hits() <-chan Hit { return s.hits }

// Close terminates the session. Safe to call more than once.
func (s *Session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Closing the connection unblocks the read loop; it must happen
		// before waiting on the loops.
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}

// readLoop receives hit events until the connection drops or the session is
// closed.
func (s *Session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.hits)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		_, data, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				slog.Warn("keyword session read failed", "err", err)
			}
			return
		}

		var hit Hit
		if err := json.Unmarshal(data, &hit); err != nil {
			slog.Warn("keyword session: malformed hit event", "err", err)
			continue
		}
		select {
		case s.hits <- hit:
		default:
			// Consumer is behind; drop rather than block the read loop.
		}
	}
}

// writeLoop forwards queued audio chunks as binary messages.
func (s *Session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				select {
				case <-s.done:
				default:
					slog.Warn("keyword session write failed", "err", err)
				}
				return
			}
		}
	}
}
