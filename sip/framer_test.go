// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamFramerSingleMessage(t *testing.T) {
	f := newStreamFramer()
	msg := "OPTIONS sip:bob@example.com SIP/2.0\r\nContent-Length: 0\r\n\r\n"
	f.Feed([]byte(msg))

	out, ok, err := f.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, msg, string(out))

	_, ok, err = f.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStreamFramerWithBody(t *testing.T) {
	f := newStreamFramer()
	body := "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\n"
	msg := "INVITE sip:bob@example.com SIP/2.0\r\nContent-Length: " + itoaFramer(len(body)) + "\r\n\r\n" + body
	f.Feed([]byte(msg))

	out, ok, err := f.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, msg, string(out))
}

func TestStreamFramerWaitsForBody(t *testing.T) {
	f := newStreamFramer()
	f.Feed([]byte("INVITE sip:bob@example.com SIP/2.0\r\nContent-Length: 5\r\n\r\nhel"))

	_, ok, err := f.Next()
	require.NoError(t, err)
	assert.False(t, ok)

	f.Feed([]byte("lo"))
	out, ok, err := f.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "INVITE sip:bob@example.com SIP/2.0\r\nContent-Length: 5\r\n\r\nhello", string(out))
}

func TestStreamFramerTwoMessagesInOneFeed(t *testing.T) {
	f := newStreamFramer()
	msg1 := "OPTIONS sip:a@x SIP/2.0\r\nContent-Length: 0\r\n\r\n"
	msg2 := "OPTIONS sip:b@x SIP/2.0\r\nContent-Length: 0\r\n\r\n"
	f.Feed([]byte(msg1 + msg2))

	out1, ok, err := f.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, msg1, string(out1))

	out2, ok, err := f.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, msg2, string(out2))
}

func TestStreamFramerSkipsLeadingKeepAlive(t *testing.T) {
	f := newStreamFramer()
	f.Feed([]byte("\r\n\r\nOPTIONS sip:a@x SIP/2.0\r\nContent-Length: 0\r\n\r\n"))

	out, ok, err := f.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "OPTIONS sip:a@x SIP/2.0\r\nContent-Length: 0\r\n\r\n", string(out))
}

func TestStreamFramerCompactContentLength(t *testing.T) {
	f := newStreamFramer()
	f.Feed([]byte("OPTIONS sip:a@x SIP/2.0\r\nl: 0\r\n\r\n"))

	_, ok, err := f.Next()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStreamFramerMalformedContentLengthResyncs(t *testing.T) {
	f := newStreamFramer()
	f.Feed([]byte("OPTIONS sip:a@x SIP/2.0\r\nContent-Length: bogus\r\n\r\n"))

	_, ok, err := f.Next()
	assert.Error(t, err)
	assert.False(t, ok)

	// buffer is resynchronized past the bad message; a valid one right
	// after it still parses.
	f.Feed([]byte("OPTIONS sip:b@x SIP/2.0\r\nContent-Length: 0\r\n\r\n"))
	out, ok, err := f.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(out), "sip:b@x")
}

func itoaFramer(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
