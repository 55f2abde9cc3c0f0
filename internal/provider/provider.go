// Package provider holds what the batch provider clients share: sentinel
// errors, HTTP response classification and the registry the batch service
// resolves provider names through.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"

	"github.com/CalmProton/auto-i18n/pkg/models"
)

// Sentinel errors for provider failures. ErrUnavailable is transient and
// worth retrying; ErrRejected and ErrNotFound are not.
var (
	ErrUnavailable = errors.New("provider unavailable")
	ErrRejected    = errors.New("provider rejected request")
	ErrNotFound    = errors.New("provider resource not found")
	ErrUnknown     = errors.New("unknown provider")
)

// maxErrorBody bounds how much of an error response is kept in messages.
const maxErrorBody = 512

// ClassifyTransport maps transport-level errors to sentinel errors.
func ClassifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: timeout: %v", ErrUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timeout: %v", ErrUnavailable, err)
	}
	return fmt.Errorf("%w: unreachable: %v", ErrUnavailable, err)
}

// CheckResponse returns nil for 2xx responses. Other statuses are mapped to
// a sentinel and carry a bounded excerpt of the body.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(body))

	var sentinel error
	switch {
	case resp.StatusCode == http.StatusNotFound:
		sentinel = ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		sentinel = ErrUnavailable
	default:
		sentinel = ErrRejected
	}
	if msg == "" {
		return fmt.Errorf("%w: status %d", sentinel, resp.StatusCode)
	}
	return fmt.Errorf("%w: status %d: %s", sentinel, resp.StatusCode, msg)
}

// Retryable reports whether err is worth another attempt later.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Registry resolves provider names to implementations.
type Registry struct {
	providers map[string]models.Provider
	fallback  string
}

// NewRegistry creates a registry whose default provider is fallback.
func NewRegistry(fallback string, providers ...models.Provider) *Registry {
	r := &Registry{providers: make(map[string]models.Provider), fallback: fallback}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p models.Provider) {
	r.providers[p.Name()] = p
}

// Get returns the named provider, or the default provider for an empty name.
func (r *Registry) Get(name string) (models.Provider, error) {
	if name == "" {
		name = r.fallback
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w %q: configured providers are %s", ErrUnknown, name, strings.Join(r.Names(), ", "))
	}
	return p, nil
}

// Names lists the registered providers in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// MultiReadCloser concatenates streams and closes all of them on Close.
func MultiReadCloser(rcs ...io.ReadCloser) io.ReadCloser {
	readers := make([]io.Reader, len(rcs))
	for i, rc := range rcs {
		readers[i] = rc
	}
	return &multiReadCloser{Reader: io.MultiReader(readers...), closers: rcs}
}

type multiReadCloser struct {
	io.Reader
	closers []io.ReadCloser
}

func (m *multiReadCloser) Close() error {
	var errs []error
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
