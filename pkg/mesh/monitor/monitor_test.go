package monitor

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeOutput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want any
	}{
		{
			name: "nil passes through",
			in:   nil,
			want: nil,
		},
		{
			name: "structured content is extracted",
			in: map[string]any{
				"content":           []any{map[string]any{"type": "text", "text": "hi"}},
				"structuredContent": map[string]any{"answer": float64(42)},
			},
			want: map[string]any{"answer": float64(42)},
		},
		{
			name: "plain object passes through",
			in:   map[string]any{"content": "x"},
			want: map[string]any{"content": "x"},
		},
		{
			name: "scalar is wrapped",
			in:   "hello",
			want: map[string]any{"value": "hello"},
		},
		{
			name: "non-object structuredContent is not extracted",
			in:   map[string]any{"structuredContent": "oops"},
			want: map[string]any{"structuredContent": "oops"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NormalizeOutput(tt.in))
		})
	}
}

func TestCaptureBodyPassthrough(t *testing.T) {
	t.Parallel()

	payload := "hello streaming world"
	var gotBody []byte
	var gotTruncated bool

	rc := CaptureBody(io.NopCloser(strings.NewReader(payload)), func(body []byte, truncated bool) {
		gotBody = append([]byte(nil), body...)
		gotTruncated = truncated
	})

	out, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, string(out))
	assert.Equal(t, payload, string(gotBody))
	assert.False(t, gotTruncated)
}

func TestCaptureBodyTruncatesAtCap(t *testing.T) {
	t.Parallel()

	// 300 KiB body: the client must receive all of it while the capture
	// stops at MaxStreamCaptureBytes.
	payload := bytes.Repeat([]byte("a"), 300*1024)
	var gotBody []byte
	var gotTruncated bool

	rc := CaptureBody(io.NopCloser(bytes.NewReader(payload)), func(body []byte, truncated bool) {
		gotBody = append([]byte(nil), body...)
		gotTruncated = truncated
	})

	out, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Len(t, out, len(payload))
	assert.Len(t, gotBody, MaxStreamCaptureBytes)
	assert.True(t, gotTruncated)
}

func TestCaptureBodyExactCapIsNotTruncated(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("b"), MaxStreamCaptureBytes)
	var gotTruncated bool

	rc := CaptureBody(io.NopCloser(bytes.NewReader(payload)), func(_ []byte, truncated bool) {
		gotTruncated = truncated
	})

	_, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.False(t, gotTruncated)
}

func TestCaptureBodyFinalizesOnceOnEarlyClose(t *testing.T) {
	t.Parallel()

	calls := 0
	rc := CaptureBody(io.NopCloser(strings.NewReader("abcdef")), func(body []byte, _ bool) {
		calls++
		assert.Equal(t, "abc", string(body))
	})

	buf := make([]byte, 3)
	_, err := io.ReadFull(rc, buf)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.NoError(t, rc.Close())

	assert.Equal(t, 1, calls)
}
