package fetch

import (
	"context"
	"fmt"
	"net"
	"net/textproto"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainless/datastorer/internal/catalog"
	"github.com/brainless/datastorer/internal/ingesterr"
)

// ftpServer is a minimal anonymous FTP server serving files from memory
// over extended passive mode.
type ftpServer struct {
	listener net.Listener
	files    map[string]string
	modified string
	retrs    int32
}

func newFTPServer(t *testing.T, files map[string]string) *ftpServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &ftpServer{listener: l, files: files, modified: "20151021072800"}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	t.Cleanup(func() { l.Close() })
	return s
}

func (s *ftpServer) url(path string) string {
	return "ftp://" + s.listener.Addr().String() + path
}

func (s *ftpServer) serve(conn net.Conn) {
	defer conn.Close()
	proto := textproto.NewConn(conn)
	proto.PrintfLine("220 ready")

	var data net.Listener
	defer func() {
		if data != nil {
			data.Close()
		}
	}()

	for {
		line, err := proto.ReadLine()
		if err != nil {
			return
		}
		cmd, arg, _ := strings.Cut(line, " ")

		switch cmd {
		case "USER":
			proto.PrintfLine("331 password please")
		case "PASS":
			proto.PrintfLine("230 logged in")
		case "FEAT":
			proto.PrintfLine("211-Features:\r\n SIZE\r\n MDTM\r\n211 End")
		case "TYPE":
			proto.PrintfLine("200 type set")
		case "SIZE":
			body, ok := s.files[arg]
			if !ok {
				proto.PrintfLine("550 no such file")
				continue
			}
			proto.PrintfLine("213 %d", len(body))
		case "MDTM":
			proto.PrintfLine("213 %s", s.modified)
		case "EPSV":
			data, err = net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				proto.PrintfLine("425 %v", err)
				continue
			}
			proto.PrintfLine("229 Entering Extended Passive Mode (|||%d|)", data.Addr().(*net.TCPAddr).Port)
		case "RETR":
			body, ok := s.files[arg]
			if !ok || data == nil {
				proto.PrintfLine("550 no such file")
				continue
			}
			atomic.AddInt32(&s.retrs, 1)
			proto.PrintfLine("150 opening data connection")
			dc, err := data.Accept()
			if err != nil {
				return
			}
			fmt.Fprint(dc, body)
			dc.Close()
			data.Close()
			data = nil
			proto.PrintfLine("226 transfer complete")
		case "QUIT":
			proto.PrintfLine("221 bye")
			return
		default:
			proto.PrintfLine("502 not implemented")
		}
	}
}

func TestFetch_FTP(t *testing.T) {
	body := "date,temperature,place\n2011-01-01,1,Galway\n"
	server := newFTPServer(t, map[string]string{"/pub/weather.csv": body})
	updater := &recordingUpdater{}
	f := newTestFetcher(t, updater)

	res := &catalog.Resource{ID: "r1", URL: server.url("/pub/weather.csv"), Format: "csv"}
	result, err := f.Fetch(context.Background(), res, defaultOptions())
	require.NoError(t, err)
	defer os.Remove(result.Path)

	assert.Equal(t, int64(len(body)), result.Length)
	assert.Equal(t, lastModified, result.Headers.Get("Last-Modified"))
	saved, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	assert.Equal(t, body, string(saved))

	lastRes := updater.last()
	pair := lastRes.ParseHash()
	assert.Equal(t, result.Hash, pair.Content)
	require.NotNil(t, pair.Header)

	// same MDTM, so the second check skips the download
	_, err = f.Fetch(context.Background(), res, Options{
		MaxContentLength: 50000000,
		DataFormats:      []string{"csv"},
		CheckModified:    true,
	})
	assert.True(t, ingesterr.Is(err, ingesterr.NotModified))
	assert.Equal(t, int32(1), atomic.LoadInt32(&server.retrs))
}

func TestFetch_FTPMissingFile(t *testing.T) {
	server := newFTPServer(t, map[string]string{})
	f := newTestFetcher(t, nil)

	res := &catalog.Resource{ID: "r1", URL: server.url("/pub/missing.csv"), Format: "csv"}
	_, err := f.Fetch(context.Background(), res, defaultOptions())

	var ie *ingesterr.Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, ingesterr.LinkCheckFailed, ie.Kind)
	assert.Equal(t, 404, ie.Status)
	assert.Zero(t, atomic.LoadInt32(&server.retrs))
}
