package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zsiec/h264feed/internal/certs"
	quicingest "github.com/zsiec/h264feed/internal/ingest/quic"
)

// PublishCmd sends a file to a running server's QUIC ingest.
type PublishCmd struct {
	File string `arg:"" help:"Annex B H.264 file, or - for stdin."`

	Addr        string        `short:"a" default:"localhost:4445" help:"QUIC ingest address."`
	Key         string        `short:"k" required:"" help:"Stream key."`
	Fingerprint string        `help:"Base64 SHA-256 certificate fingerprint from /api/cert-hash. Empty skips verification."`
	Timeout     time.Duration `help:"Give up after this long (0 waits forever)."`
}

// Run publishes the file and waits for the server to acknowledge it.
func (c *PublishCmd) Run() error {
	var in io.Reader = os.Stdin
	if c.File != "-" {
		f, err := os.Open(c.File)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	var tlsConf *tls.Config
	if c.Fingerprint != "" {
		var err error
		if tlsConf, err = certs.PinnedClientConfig(c.Fingerprint); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	start := time.Now()
	n, err := quicingest.Publish(ctx, c.Addr, c.Key, in, tlsConf)
	if err != nil {
		return fmt.Errorf("publish %s: %w", c.Key, err)
	}
	fmt.Printf("published %d bytes to %s as %q in %s\n", n, c.Addr, c.Key, time.Since(start).Round(time.Millisecond))
	return nil
}
