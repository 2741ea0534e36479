package pacer

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// transport implements http.RoundTripper and takes a token from the pacer
// before forwarding matching requests to the underlying transport.
type transport struct {
	pacer    *Pacer
	base     http.RoundTripper
	patterns urlPatterns
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.patterns.match(req.URL) {
		return t.base.RoundTrip(req)
	}

	call, err := t.pacer.Acquire(req.Context(), 0)
	if err != nil {
		return nil, err
	}

	resp, err := t.base.RoundTrip(req)
	failure := err
	if err == nil && resp.StatusCode >= http.StatusInternalServerError {
		failure = fmt.Errorf("pacer: %s %s: %s", req.Method, req.URL.Redacted(), resp.Status)
	}

	release := func() {
		// A response cannot be returned together with an error, so callback
		// errors are only logged here.
		if rerr := call.Release(context.WithoutCancel(req.Context()), failure); rerr != nil {
			t.pacer.log.Error().Err(rerr).Str("url", req.URL.Redacted()).Msg("release")
		}
	}
	// Upgraded connections hand the body over as a raw stream.
	if err != nil || resp.Body == nil || resp.StatusCode == http.StatusSwitchingProtocols {
		release()
		return resp, err
	}
	resp.Body = &releasingBody{ReadCloser: resp.Body, release: release}
	return resp, nil
}

// releasingBody releases the call once the body has been read to the end
// or closed, so the call's duration covers reading the response.
type releasingBody struct {
	io.ReadCloser
	release func()
}

func (b *releasingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err == io.EOF {
		b.release()
	}
	return n, err
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.release()
	return err
}
