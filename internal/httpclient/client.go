package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/lucasew/picturecache/internal/errutil"
)

// DefaultConnectTimeout bounds dialing a source.
const DefaultConnectTimeout = 10 * time.Second

// Config configures the client used to fetch sources.
type Config struct {
	ConnectTimeout time.Duration
	// CAFile is an optional PEM bundle trusted on top of the system pool.
	CAFile string
}

// NewClient creates an http.Client with a connect timeout. Transfers have no
// client-wide timeout; callers bound them with a context deadline.
func NewClient(cfg Config) *http.Client {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}

	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.TLSHandshakeTimeout = connectTimeout
	transport.ResponseHeaderTimeout = 3 * connectTimeout
	// Bytes are stored as received.
	transport.DisableCompression = true

	if cfg.CAFile != "" {
		if pool := loadCAFile(cfg.CAFile); pool != nil {
			transport.TLSClientConfig = &tls.Config{RootCAs: pool}
		}
	}

	return &http.Client{Transport: transport}
}

func loadCAFile(path string) *x509.CertPool {
	pem, err := os.ReadFile(path)
	if err != nil {
		errutil.ReportError(err, "Failed to read CA bundle", "path", path)
		return nil
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil || rootCAs == nil {
		rootCAs = x509.NewCertPool()
	}
	if !rootCAs.AppendCertsFromPEM(pem) {
		errutil.LogMsg(errNoCerts, "Ignoring CA bundle", "path", path)
		return nil
	}
	return rootCAs
}

var errNoCerts = errors.New("no certificates found")
