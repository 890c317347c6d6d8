// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

// Package wireline provides environment-driven configuration for wireline
// servers.
package wireline

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds a server's listen configuration, loaded from the environment.
type Config struct {
	Host string `env:"HOST" envDefault:""`
	Port string `env:"PORT" envDefault:""`

	// ServerHeader is the identity token injected into every response.
	ServerHeader string `env:"SERVER_HEADER" envDefault:"wireline"`

	// MaxIncompleteSize bounds an incomplete HTTP message head in bytes.
	MaxIncompleteSize int `env:"MAX_INCOMPLETE_SIZE" envDefault:"16384"`

	// MaxMessageSize bounds an assembled WebSocket message in bytes.
	MaxMessageSize int `env:"MAX_MESSAGE_SIZE" envDefault:"16777216"`

	// ReadBufferSize is the per-connection read buffer size in bytes.
	ReadBufferSize int `env:"READ_BUFFER_SIZE" envDefault:"32768"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Rate limiting. Zero capacity disables admission control.
	RateLimitCapacity int64 `env:"RATE_LIMIT_CAPACITY" envDefault:"0"`
	RateLimitRefill   int64 `env:"RATE_LIMIT_REFILL"   envDefault:"10"`
	RateLimitMaxHosts int   `env:"RATE_LIMIT_MAX_HOSTS" envDefault:"10000"`

	// TLS. CertFile and KeyFile enable TLS; ClientCAFile additionally
	// requires and verifies client certificates.
	CertFile     string `env:"CERT_FILE"      envDefault:""`
	KeyFile      string `env:"KEY_FILE"       envDefault:""`
	ClientCAFile string `env:"CLIENT_CA_FILE" envDefault:""`

	// TLSConfig is built from the file options above.
	TLSConfig *tls.Config `env:"-"`
}

// NewConfig loads a Config from the environment using the given options,
// typically an env.Options with a Prefix.
func NewConfig(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}

	if c.CertFile != "" && c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return Config{}, fmt.Errorf("failed to load key pair: %w", err)
		}
		c.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}

		if c.ClientCAFile != "" {
			ca, err := os.ReadFile(c.ClientCAFile)
			if err != nil {
				return Config{}, fmt.Errorf("failed to read client CA: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(ca) {
				return Config{}, fmt.Errorf("failed to parse client CA %s", c.ClientCAFile)
			}
			c.TLSConfig.ClientCAs = pool
			c.TLSConfig.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}

	return c, nil
}

// Address joins the configured host and port.
func (c Config) Address() string {
	return c.Host + ":" + c.Port
}
