// Package transport dials TLS connections to the push gateway using
// client-certificate authentication. It knows nothing about the wire
// protocol; the connection state machine owns what flows over it.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// Common errors.
var (
	ErrNoAddress = errors.New("no gateway address configured")
)

// Conn is the minimal connection surface the engine needs. *tls.Conn
// satisfies it; tests substitute in-memory fakes.
type Conn interface {
	io.Reader
	io.Writer
	Close() error
	SetReadDeadline(t time.Time) error
}

// TLSConfig holds the client credential configuration.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded client certificate.
	CertFile string `yaml:"cert_file" json:"cert_file"`

	// KeyFile is the path to the PEM-encoded client key.
	KeyFile string `yaml:"key_file" json:"key_file"`

	// CAFile optionally pins the CA used to verify the gateway.
	CAFile string `yaml:"ca_file" json:"ca_file"`

	// InsecureSkipVerify skips server certificate verification. For
	// test gateways only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
}

// Config holds dialer configuration.
type Config struct {
	// Address is the gateway host:port.
	Address string `yaml:"address" json:"address"`

	// ConnectTimeout bounds the TCP connect plus TLS handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`

	// KeepAlivePeriod is the TCP keepalive interval.
	KeepAlivePeriod time.Duration `yaml:"keepalive_period" json:"keepalive_period"`

	// TLS configures the client credentials.
	TLS TLSConfig `yaml:"tls" json:"tls"`
}

// DefaultConfig returns dialer defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  10 * time.Second,
		KeepAlivePeriod: 30 * time.Second,
	}
}

// Dialer opens authenticated connections to one gateway address. The
// loaded credentials are read-only after construction and safe to
// share across workers.
type Dialer struct {
	config    Config
	tlsConfig *tls.Config
}

// NewDialer loads the client credentials and builds a Dialer.
func NewDialer(config Config) (*Dialer, error) {
	if config.Address == "" {
		return nil, ErrNoAddress
	}
	if _, _, err := net.SplitHostPort(config.Address); err != nil {
		return nil, fmt.Errorf("invalid gateway address %q: %w", config.Address, err)
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConfig().ConnectTimeout
	}

	cert, err := tls.LoadX509KeyPair(config.TLS.CertFile, config.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client credentials: %w", err)
	}

	host, _, _ := net.SplitHostPort(config.Address)
	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ServerName:         host,
		InsecureSkipVerify: config.TLS.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if config.TLS.CAFile != "" {
		pem, err := os.ReadFile(config.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", config.TLS.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return &Dialer{config: config, tlsConfig: tlsConfig}, nil
}

// Address returns the configured gateway address.
func (d *Dialer) Address() string {
	return d.config.Address
}

// Dial opens a TCP connection, completes the TLS handshake and returns
// the connection ready for use.
func (d *Dialer) Dial(ctx context.Context) (Conn, error) {
	dialer := &net.Dialer{
		Timeout:   d.config.ConnectTimeout,
		KeepAlive: d.config.KeepAlivePeriod,
	}

	raw, err := dialer.DialContext(ctx, "tcp", d.config.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.config.Address, err)
	}

	conn := tls.Client(raw, d.tlsConfig)

	hsCtx, cancel := context.WithTimeout(ctx, d.config.ConnectTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hsCtx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", d.config.Address, err)
	}

	return conn, nil
}
