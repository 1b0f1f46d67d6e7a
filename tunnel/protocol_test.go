package tunnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload WebSocketPayload
	}{
		{"text", WebSocketPayload{IsText: true, Data: []byte("hello")}},
		{"empty text", WebSocketPayload{IsText: true, Data: []byte{}}},
		{"binary", WebSocketPayload{IsText: false, Data: []byte{0x00, 0x01, 0x7b, 0xff}}},
		{"empty binary", WebSocketPayload{IsText: false, Data: []byte{}}},
		{"text that looks like json", WebSocketPayload{IsText: true, Data: []byte(`{"a":1}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := EncodeWebSocketMessage(tt.payload)
			decoded, err := DecodeWebSocketMessage(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.payload.IsText, decoded.IsText)
			assert.Equal(t, tt.payload.Data, decoded.Data)
		})
	}
}

func TestDecodeWebSocketMessageRejectsEmpty(t *testing.T) {
	_, err := DecodeWebSocketMessage(nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, err = DecodeWebSocketMessage([]byte{})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestDecodeWebSocketMessageNonZeroMarkerIsBinary(t *testing.T) {
	// anything but 0x00 means binary, the protocol is forward-extensible
	decoded, err := DecodeWebSocketMessage([]byte{0x07, 'x'})
	require.NoError(t, err)
	assert.False(t, decoded.IsText)
	assert.Equal(t, []byte("x"), decoded.Data)
}

func TestParseConnectionEstablished(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		ok   bool
	}{
		{"valid", []byte(`{"url":"https://abc.tunnel.dev","id":"abc"}`), true},
		{"extra fields", []byte(`{"url":"https://x","id":"y","extra":1}`), true},
		{"missing id", []byte(`{"url":"https://x"}`), false},
		{"missing url", []byte(`{"id":"y"}`), false},
		{"not json", []byte(`{oops`), false},
		{"binary frame", []byte{0x00, 0x00, 0x00, 0x00, 0x01, 0x01}, false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce, ok := ParseConnectionEstablished(tt.data)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.NotEmpty(t, ce.URL)
				assert.NotEmpty(t, ce.ID)
			}
		})
	}
}

func TestWebSocketCloseCodeValidity(t *testing.T) {
	assert.True(t, WebSocketClosePayload{Code: 1000}.ValidCode())
	assert.True(t, WebSocketClosePayload{Code: 3000}.ValidCode())
	assert.True(t, WebSocketClosePayload{Code: 4999}.ValidCode())
	assert.False(t, WebSocketClosePayload{Code: 42}.ValidCode())
	assert.False(t, WebSocketClosePayload{Code: 1001}.ValidCode())
	assert.False(t, WebSocketClosePayload{Code: 2999}.ValidCode())
	assert.False(t, WebSocketClosePayload{Code: 5000}.ValidCode())
	assert.False(t, WebSocketClosePayload{}.ValidCode())
}
