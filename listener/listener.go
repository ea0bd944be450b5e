// Package listener provides the gateway's network listeners: a protocol mux that serves
// TLS and plain HTTP on the same port, and a wrapper that survives per-connection
// accept failures.
package listener

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

// DefaultPeekTimeout bounds how long Accept waits for the first bytes of a connection
// and for the TLS handshake.
const DefaultPeekTimeout = 10 * time.Second

// connWrapper wraps a net.Conn and reads through the buffered reader that holds the peeked bytes
type connWrapper struct {
	net.Conn
	io.Reader
}

// Read reads from the io.Reader instead of the net.Conn
func (cw *connWrapper) Read(b []byte) (int, error) {
	return cw.Reader.Read(b)
}

// ProtocolMuxListener wraps net.Listener and inspects each incoming connection to
// decide whether it is a TLS handshake or plain HTTP.
// With a nil TLSConfig every connection is passed through untouched.
type ProtocolMuxListener struct {
	net.Listener
	TLSConfig   *tls.Config
	PeekTimeout time.Duration
}

func NewProtocolMuxListener(listener net.Listener, tlsConfig *tls.Config) *ProtocolMuxListener {
	return &ProtocolMuxListener{
		Listener:    listener,
		TLSConfig:   tlsConfig,
		PeekTimeout: DefaultPeekTimeout,
	}
}

func (l *ProtocolMuxListener) Accept() (net.Conn, error) {
	rawConnection, err := l.Listener.Accept()
	if err != nil {
		return nil, fmt.Errorf("accepting connection: %w", err)
	}

	if l.TLSConfig == nil {
		return rawConnection, nil
	}

	timeout := l.PeekTimeout
	if timeout <= 0 {
		timeout = DefaultPeekTimeout
	}

	bufferedReader := bufio.NewReader(rawConnection)

	err = rawConnection.SetReadDeadline(time.Now().Add(timeout))
	if err != nil {
		rawConnection.Close()
		return nil, fmt.Errorf("setting read deadline for peek: %w", err)
	}

	peekedBytes, err := bufferedReader.Peek(5)

	if err := rawConnection.SetReadDeadline(time.Time{}); err != nil {
		rawConnection.Close()
		return nil, fmt.Errorf("clearing read deadline after peek: %w", err)
	}
	if err != nil && err != bufio.ErrBufferFull {
		rawConnection.Close()
		return nil, fmt.Errorf("peeking initial bytes: %w", err)
	}

	wrapped := &connWrapper{
		Conn:   rawConnection,
		Reader: bufferedReader,
	}

	isTLS := len(peekedBytes) >= 2 && peekedBytes[0] == 0x16 && peekedBytes[1] == 0x03
	if !isTLS {
		return wrapped, nil
	}

	tlsConn := tls.Server(wrapped, l.TLSConfig)
	if err := rawConnection.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("setting read deadline for handshake: %w", err)
	}

	if err := tlsConn.Handshake(); err != nil {
		rawConnection.SetReadDeadline(time.Time{})
		tlsConn.Close()
		return nil, fmt.Errorf("performing tls handshake: %w", err)
	}

	if err := rawConnection.SetReadDeadline(time.Time{}); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("clearing read deadline after handshake: %w", err)
	}
	return tlsConn, nil
}

// ResilientListener keeps accepting after recoverable errors such as a failed TLS
// handshake from one client. Only a closed listener ends Accept.
type ResilientListener struct {
	net.Listener
	Logger *slog.Logger
}

func NewResilientListener(listenerToWrap net.Listener, logger *slog.Logger) *ResilientListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResilientListener{Listener: listenerToWrap, Logger: logger}
}

func (l *ResilientListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil, err
			}
			l.Logger.Warn("connection rejected", "error", err)
			continue
		}
		return conn, nil
	}
}
