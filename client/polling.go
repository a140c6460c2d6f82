package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/room4-2/voiceloop/messages"
)

// PollingTransport exchanges events with the HTTP fallback endpoints. Server
// events are fetched every PollInterval and delivered at most once, in id order.
type PollingTransport struct {
	opts Options
	base string

	mu     sync.Mutex
	lastID int64
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPollingTransport creates a transport; call Connect to start polling.
func NewPollingTransport(opts Options) (*PollingTransport, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	return &PollingTransport{
		opts: opts,
		base: opts.BaseURL + "/sessions/" + url.PathEscape(opts.ClientID),
	}, nil
}

// ClientID returns the id used on every request.
func (t *PollingTransport) ClientID() string { return t.opts.ClientID }

// Connect performs one poll to prove the server is reachable, then keeps polling
// in the background until Close.
func (t *PollingTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	t.opts.status(StatusConnecting)
	if err := t.poll(ctx); err != nil {
		t.opts.status(StatusError)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancel = cancel
	t.wg.Add(1)
	t.mu.Unlock()
	go t.loop(loopCtx)

	t.opts.status(StatusConnected)
	return nil
}

func (t *PollingTransport) loop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.poll(ctx); err != nil && ctx.Err() == nil {
				t.opts.Logger.Warn("poll failed", "error", err)
			}
		}
	}
}

// poll fetches events newer than the last delivered id and, for every
// audio_ready among them, the matching clip.
func (t *PollingTransport) poll(ctx context.Context) error {
	t.mu.Lock()
	after := t.lastID
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.base+"/messages?after="+strconv.FormatInt(after, 10), nil)
	if err != nil {
		return err
	}
	resp, err := t.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("poll messages: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("poll messages: unexpected status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("poll messages: %w", err)
	}
	evs, err := messages.ParseServerEvents(raw)
	if err != nil {
		return fmt.Errorf("poll messages: %w", err)
	}

	slices.SortFunc(evs, func(a, b *messages.ServerEvent) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	for _, ev := range evs {
		t.mu.Lock()
		fresh := ev.ID > t.lastID
		if fresh {
			t.lastID = ev.ID
		}
		t.mu.Unlock()
		if !fresh {
			continue
		}

		t.opts.message(ev)
		if ev.Type == messages.TypeAudioReady {
			if err := t.fetchAudio(ctx); err != nil {
				t.opts.Logger.Warn("failed to fetch audio", "error", err)
			}
		}
	}
	return nil
}

func (t *PollingTransport) fetchAudio(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.base+"/audio", nil)
	if err != nil {
		return err
	}
	resp, err := t.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusOK:
		clip, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		t.opts.audio(clip)
		return nil
	default:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

func (t *PollingTransport) post(path, contentType string, body []byte) error {
	resp, err := t.opts.HTTPClient.Post(t.base+path, contentType, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

// SendControl posts one control event, filling in client id and timestamp.
func (t *PollingTransport) SendControl(ev *messages.ClientEvent) error {
	t.opts.stamp(ev)
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	return t.post("/messages", "application/json", data)
}

// SendAudio posts one PCM16 LE frame.
func (t *PollingTransport) SendAudio(frame []byte) error {
	return t.post("/audio", "application/octet-stream", frame)
}

// Close stops polling. The server expires the session on its own.
func (t *PollingTransport) Close() error {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	t.wg.Wait()
	t.opts.status(StatusDisconnected)
	return nil
}
