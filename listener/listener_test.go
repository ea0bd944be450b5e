package listener

import (
	"bufio"
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// generateTestTLSConfig creates a self-signed TLS configuration for testing purposes.
// It returns a server-side tls.Config and a client-side x509.CertPool that trusts the server's cert.
func generateTestTLSConfig(t *testing.T) (serverTLSConfig *tls.Config, clientTLSConfig *tls.Config) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %v", err)
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(365 * 24 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serial number: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Test Co"},
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}

	keyDer, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("failed to marshal private key: %v", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDer})

	serverCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("failed to load key pair: %v", err)
	}

	// Create a cert pool for the client, containing our self-signed cert
	clientCertPool := x509.NewCertPool()
	if !clientCertPool.AppendCertsFromPEM(certPEM) {
		t.Fatalf("failed to add server certificate to client cert pool")
	}

	serverTLSConfig = &tls.Config{
		Certificates: []tls.Certificate{serverCert},
	}
	clientTLSConfig = &tls.Config{
		RootCAs: clientCertPool,
	}

	return serverTLSConfig, clientTLSConfig
}

// TestConnWrapper_ReadDelegates tests that the connWrapper delegates the read to the underlying conn
func TestConnWrapper_ReadDelegates(t *testing.T) {
	read, write := net.Pipe()
	defer read.Close()
	defer write.Close()

	want := []byte("hello, e-city")
	go func() {
		defer write.Close()
		_, _ = write.Write(want)
	}()

	cW := &connWrapper{
		Conn:   read,
		Reader: bufio.NewReader(read),
	}

	got := make([]byte, len(want))
	numBytes, err := cW.Read(got)
	if err != nil {
		t.Fatalf("read error : %v", err)
	}

	got = got[:numBytes]

	if !bytes.Equal(got, want[:numBytes]) {
		t.Fatalf("mismatch: want %q got %q", want, got)
	}
}

// serveOnMux runs an HTTP server answering "ok" behind the same listener stack as the gateway.
func serveOnMux(t *testing.T, tlsConfig *tls.Config) string {
	t.Helper()
	baseListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener : %v", err)
	}
	mux := NewProtocolMuxListener(baseListener, tlsConfig)
	mux.PeekTimeout = 500 * time.Millisecond
	resilient := NewResilientListener(mux, slog.New(slog.NewTextHandler(io.Discard, nil)))

	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		fmt.Fprint(w, scheme)
	})}
	go server.Serve(resilient)
	t.Cleanup(func() { server.Close() })
	return baseListener.Addr().String()
}

func get(t *testing.T, client *http.Client, url string) string {
	t.Helper()
	res, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s : %v", url, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("reading body : %v", err)
	}
	return string(body)
}

func TestProtocolMuxListener(t *testing.T) {
	serverTLSConfig, clientTLSConfig := generateTestTLSConfig(t)
	addr := serveOnMux(t, serverTLSConfig)

	httpsClient := &http.Client{Transport: &http.Transport{TLSClientConfig: clientTLSConfig}, Timeout: 2 * time.Second}
	plainClient := &http.Client{Timeout: 2 * time.Second}

	t.Run("should serve plain HTTP on the TLS port", func(t *testing.T) {
		if got := get(t, plainClient, "http://"+addr+"/"); got != "http" {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", "http", got)
		}
	})

	t.Run("should serve HTTPS on the same port", func(t *testing.T) {
		if got := get(t, httpsClient, "https://"+addr+"/"); got != "https" {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", "https", got)
		}
	})

	t.Run("should keep serving after a failed handshake", func(t *testing.T) {
		untrusting := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{}}, Timeout: 2 * time.Second}
		if _, err := untrusting.Get("https://" + addr + "/"); err == nil {
			t.Fatal("expected an untrusted certificate error")
		}
		if got := get(t, httpsClient, "https://"+addr+"/"); got != "https" {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", "https", got)
		}
	})

	t.Run("should keep serving after a silent client", func(t *testing.T) {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("dialing : %v", err)
		}
		defer conn.Close()
		if got := get(t, plainClient, "http://"+addr+"/"); got != "http" {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", "http", got)
		}
	})
}

func TestProtocolMuxListener_IncompletePeek(t *testing.T) {
	serverTLSConfig, _ := generateTestTLSConfig(t)
	baseListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener : %v", err)
	}
	defer baseListener.Close()
	mux := NewProtocolMuxListener(baseListener, serverTLSConfig)

	errs := make(chan error, 1)
	go func() {
		conn, err := mux.Accept()
		if err == nil {
			conn.Close()
		}
		errs <- err
	}()

	conn, err := net.Dial("tcp", baseListener.Addr().String())
	if err != nil {
		t.Fatalf("dialing : %v", err)
	}
	conn.Write([]byte{0x16})
	conn.Close()

	err = <-errs
	if err == nil || !strings.Contains(err.Error(), "peeking initial bytes") {
		t.Fatalf("\nwanted:\n%v\ngot:\n%v", "peeking initial bytes error", err)
	}
}


// mockListener allows custom methods to be implemented for test cases
type mockListener struct {
	accept func() (net.Conn, error)
	close  func() error
	addr   func() net.Addr
}

func (m *mockListener) Accept() (net.Conn, error) { return m.accept() }
func (m *mockListener) Close() error              { return m.close() }
func (m *mockListener) Addr() net.Addr            { return m.addr() }

func TestResilientListener_RecoversFromError(t *testing.T) {
	var acceptCount atomic.Int32

	want := []byte("hello e-city")

	// Failing Listener will fail on the first Accept and then error
	failingListener := &mockListener{
		accept: func() (net.Conn, error) {
			currentCount := acceptCount.Add(1)
			if currentCount == 1 {
				return nil, errors.New("recoverable error")
			}
			server, client := net.Pipe()
			go func() {
				client.Write([]byte("hello e-city"))
				client.Close()
			}()
			return server, nil
		},
	}

	resilient := NewResilientListener(failingListener, slog.New(slog.NewTextHandler(io.Discard, nil)))
	conn, err := resilient.Accept()

	// The first error should be handled gracefully
	if err != nil {
		t.Fatalf("ResilientListener.Accept() failed: %v", err)
	}

	defer conn.Close()

	got := make([]byte, len(want))
	_, err = conn.Read(got)
	if err != nil && err != io.EOF {
		t.Fatalf("failed to read from the connection: %v", err)
	}

	if !bytes.Equal(want, got) {
		t.Errorf("expected %s got %v", want, got)
	}

	acceptedCount := acceptCount.Load()
	if acceptedCount != 2 {
		t.Errorf("expected 2 got %d", acceptedCount)
	}

}

func TestResilientListener_FatalError(t *testing.T) {
	var acceptCount atomic.Int32

	// fatalListener will immediately return a fatal error (net.ErrClosed)
	fatalListener := &mockListener{
		accept: func() (net.Conn, error) {
			acceptCount.Add(1)
			return nil, net.ErrClosed
		},
	}

	resilient := NewResilientListener(fatalListener, nil)
	_, err := resilient.Accept()

	if err == nil {
		t.Fatal("expected a fatal error but got nil")
	}

	if !errors.Is(err, net.ErrClosed) {
		t.Fatalf("expected error to be net.ErrClosed, but got: %v", err)
	}

	acceptedCount := acceptCount.Load()
	if acceptedCount != 1 {
		t.Errorf("expected 1 but got %d", acceptedCount)
	}
}

func TestProtocolMuxListener_WithoutTLS(t *testing.T) {
	baseListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener : %v", err)
	}
	defer baseListener.Close()

	muxListener := NewProtocolMuxListener(baseListener, nil)

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := muxListener.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	// No bytes are written, a passthrough listener must not wait for a peek.
	clientConn, err := net.Dial("tcp", baseListener.Addr().String())
	if err != nil {
		t.Fatalf("client failed to dial: %v", err)
	}
	defer clientConn.Close()

	select {
	case conn, ok := <-accepted:
		if !ok {
			t.Fatal("expected a connection, accept failed")
		}
		conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("accept blocked on a plain listener")
	}
}
