package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/jlaffaye/ftp"
)

// Response is the outcome of an existence check.
type Response struct {
	StatusCode int
	Header     http.Header
}

// Transport performs the existence check and the body download for one
// family of URL schemes.
type Transport interface {
	Head(ctx context.Context, u *url.URL) (*Response, error)
	Get(ctx context.Context, u *url.URL) (io.ReadCloser, http.Header, error)
}

// httpTransport serves http and https URLs.
type httpTransport struct {
	client *http.Client
}

func newHTTPTransport(timeout time.Duration) *httpTransport {
	return &httpTransport{
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (t *httpTransport) Head(ctx context.Context, u *url.URL) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header}, nil
}

func (t *httpTransport) Get(ctx context.Context, u *url.URL) (io.ReadCloser, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, nil, fmt.Errorf("invalid HTTP response: %s", resp.Status)
	}
	return resp.Body, resp.Header, nil
}

// ftpTransport serves ftp URLs, logging in anonymously unless the URL
// carries credentials.
type ftpTransport struct {
	timeout time.Duration
}

func (t *ftpTransport) dial(ctx context.Context, u *url.URL) (*ftp.ServerConn, error) {
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "21")
	}

	conn, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(t.timeout))
	if err != nil {
		return nil, fmt.Errorf("connection error: %w", err)
	}

	user, pass := "anonymous", "anonymous"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}
	if err := conn.Login(user, pass); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("ftp login failed: %w", err)
	}
	return conn, nil
}

func (t *ftpTransport) Head(ctx context.Context, u *url.URL) (*Response, error) {
	conn, err := t.dial(ctx, u)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	size, err := conn.FileSize(u.Path)
	if err != nil {
		return &Response{StatusCode: http.StatusNotFound, Header: http.Header{}}, nil
	}

	header := http.Header{}
	header.Set("Content-Length", fmt.Sprint(size))
	if mod, err := conn.GetTime(u.Path); err == nil {
		header.Set("Last-Modified", mod.UTC().Format(http.TimeFormat))
	}
	return &Response{StatusCode: http.StatusOK, Header: header}, nil
}

func (t *ftpTransport) Get(ctx context.Context, u *url.URL) (io.ReadCloser, http.Header, error) {
	conn, err := t.dial(ctx, u)
	if err != nil {
		return nil, nil, err
	}
	body, err := conn.Retr(u.Path)
	if err != nil {
		conn.Quit()
		return nil, nil, fmt.Errorf("ftp retrieve failed: %w", err)
	}
	return &ftpBody{ReadCloser: body, conn: conn}, http.Header{}, nil
}

// ftpBody closes the control connection together with the data stream.
type ftpBody struct {
	io.ReadCloser
	conn *ftp.ServerConn
}

func (b *ftpBody) Close() error {
	err := b.ReadCloser.Close()
	b.conn.Quit()
	return err
}
