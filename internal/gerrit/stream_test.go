package gerrit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// ed25519 sample key in known_hosts line format.
const sampleHostKeyLine = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIOMqqnkVzrm0SdG6UOoqKLsabgH5C9okWi0dh2l9GKJl"

func newTestReader(t *testing.T, handler EventHandler) *StreamReader {
	t.Helper()
	reader, err := NewStreamReader(StreamConfig{
		Host:          "gerrit.example.com",
		Port:          29418,
		Username:      "review-bot",
		VerifyHostKey: false,
	}, handler)
	require.NoError(t, err)
	return reader
}

func TestParseHostKeyFormats(t *testing.T) {
	fields := []string{
		sampleHostKeyLine,                          // known_hosts style line
		sampleHostKeyLine + " gerrit.example.com",  // with trailing comment
		"AAAAC3NzaC1lZDI1NTE5AAAAIOMqqnkVzrm0SdG6UOoqKLsabgH5C9okWi0dh2l9GKJl", // bare blob
	}

	for _, raw := range fields {
		key, err := parseHostKey(raw)
		require.NoError(t, err, "input: %q", raw)
		assert.Equal(t, "ssh-ed25519", key.Type())
	}
}

func TestParseHostKeyRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "   ", "not-a-key", "ssh-ed25519 %%%%"} {
		_, err := parseHostKey(raw)
		assert.Error(t, err, "input: %q", raw)
	}
}

func TestStrictVerificationRequiresHostKey(t *testing.T) {
	_, err := NewStreamReader(StreamConfig{
		Host:          "gerrit.example.com",
		VerifyHostKey: true,
	}, func(*Event) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host key")
}

func TestStrictVerificationAcceptsConfiguredKey(t *testing.T) {
	reader, err := NewStreamReader(StreamConfig{
		Host:          "gerrit.example.com",
		VerifyHostKey: true,
		HostKey:       sampleHostKeyLine,
	}, func(*Event) {})
	require.NoError(t, err)
	assert.NotNil(t, reader)
}

func TestHandleLineForwardsValidEvent(t *testing.T) {
	var got *Event
	reader := newTestReader(t, func(e *Event) { got = e })
	reader.now = func() time.Time { return time.Unix(1000, 0) }

	reader.handleLine(`{"type": "reviewer-added", "eventCreatedOn": 950, "change": {"number": 42}, "patchSet": {"number": 1, "revision": "abc"}}`)

	require.NotNil(t, got)
	assert.Equal(t, TypeReviewerAdded, got.Type)
	assert.Equal(t, 42, got.Change.Number)
	assert.Equal(t, "abc", got.PatchSet.Revision)
}

func TestHandleLineSkipsMalformedJSON(t *testing.T) {
	calls := 0
	reader := newTestReader(t, func(*Event) { calls++ })

	reader.handleLine("this is not json")
	reader.handleLine("{truncated")
	reader.handleLine("")
	reader.handleLine(`{"type": "comment-added"}`)

	// Only the valid line reaches the handler; bad lines never tear the
	// stream down.
	assert.Equal(t, 1, calls)
}

func TestStaleEventsAreDropped(t *testing.T) {
	calls := 0
	reader := newTestReader(t, func(*Event) { calls++ })
	now := time.Unix(10000, 0)
	reader.now = func() time.Time { return now }

	// 5 minutes and 1 second old: stale.
	reader.handleLine(`{"type": "reviewer-added", "eventCreatedOn": 9699}`)
	assert.Equal(t, 0, calls)

	// Exactly at the window: still dispatched.
	reader.handleLine(`{"type": "reviewer-added", "eventCreatedOn": 9700}`)
	assert.Equal(t, 1, calls)

	// No timestamp: never considered stale.
	reader.handleLine(`{"type": "reviewer-added"}`)
	assert.Equal(t, 2, calls)
}

func TestRunBackoffDoublesAndResetsOnConnect(t *testing.T) {
	reader := newTestReader(t, func(*Event) {})

	attempts := 0
	reader.dial = func(addr string) (*ssh.Client, error) {
		attempts++
		if attempts == 4 {
			return nil, nil
		}
		return nil, errors.New("connection refused")
	}
	// A nil return is the read-timeout path: reconnect without error.
	reader.stream = func(ctx context.Context, client *ssh.Client) error {
		return nil
	}

	var delays []time.Duration
	reader.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		if len(delays) == 5 {
			return context.Canceled
		}
		return nil
	}

	reader.Run(context.Background())

	// Three failed dials climb the ladder; the successful fourth resets it,
	// so the post-stream reconnect and the next failure start over from base.
	assert.Equal(t, []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		2 * time.Second,
		4 * time.Second,
	}, delays)
	assert.Equal(t, 5, attempts)
	assert.Equal(t, StateDisconnected, reader.State())
}

func TestRunStopsOnStreamErrorWhenStopped(t *testing.T) {
	reader := newTestReader(t, func(*Event) {})

	reader.dial = func(addr string) (*ssh.Client, error) { return nil, nil }
	reader.stream = func(ctx context.Context, client *ssh.Client) error {
		reader.Stop()
		return errors.New("stream closed by server")
	}
	reader.sleep = func(ctx context.Context, d time.Duration) error {
		t.Fatal("no retry sleep expected after Stop")
		return nil
	}

	reader.Run(context.Background())
	assert.Equal(t, StateDisconnected, reader.State())
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "streaming", StateStreaming.String())
}
