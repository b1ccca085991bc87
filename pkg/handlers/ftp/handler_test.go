package ftp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiral-network/transfer-core/pkg/protocol"
)

func TestHandler_SupportsFTPAndFTPS(t *testing.T) {
	h := New(zerolog.Nop())
	assert.True(t, h.Supports("ftp://example.com/file.bin"))
	assert.True(t, h.Supports("ftps://example.com/file.bin"))
	assert.False(t, h.Supports("http://example.com/file.bin"))
}

func TestParsePasv(t *testing.T) {
	addr, err := parsePasv("227 Entering Passive Mode (127,0,0,1,200,10).")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:51210", addr)
}

func TestParsePasv_Malformed(t *testing.T) {
	_, err := parsePasv("227 nonsense")
	assert.Error(t, err)
}

// fakeFTPServer is a minimal single-file FTP server: it accepts a control
// connection per Manifest/Fetch call, answers USER/PASS/PASV/REST/RETR, and
// serves the same body over a freshly listened data connection each time.
type fakeFTPServer struct {
	body []byte
	addr string
}

func startFakeFTPServer(t *testing.T, body []byte) *fakeFTPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &fakeFTPServer{body: body, addr: ln.Addr().String()}
	go srv.acceptLoop(ln)
	return srv
}

func (s *fakeFTPServer) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.serveControlConn(conn)
	}
}

func (s *fakeFTPServer) serveControlConn(conn net.Conn) {
	defer conn.Close()
	w := bufio.NewWriter(conn)
	r := bufio.NewReader(conn)
	fmt.Fprintf(w, "220 fake ftp ready\r\n")
	w.Flush()

	var restOffset int64
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		switch {
		case matchesCmd(line, "USER"):
			fmt.Fprintf(w, "331 ok\r\n")
		case matchesCmd(line, "PASS"):
			fmt.Fprintf(w, "230 logged in\r\n")
		case matchesCmd(line, "REST"):
			fmt.Sscanf(line, "REST %d", &restOffset)
			fmt.Fprintf(w, "350 rest ok\r\n")
		case matchesCmd(line, "PASV"):
			dataLn, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				return
			}
			_, portStr, _ := net.SplitHostPort(dataLn.Addr().String())
			var port int
			fmt.Sscanf(portStr, "%d", &port)
			p1, p2 := port/256, port%256
			fmt.Fprintf(w, "227 Entering Passive Mode (127,0,0,1,%d,%d).\r\n", p1, p2)
			w.Flush()
			go func(offset int64) {
				dc, err := dataLn.Accept()
				if err != nil {
					return
				}
				defer dc.Close()
				dc.Write(s.body[offset:])
			}(restOffset)
		case matchesCmd(line, "RETR"):
			fmt.Fprintf(w, "150 opening data connection\r\n")
		default:
			fmt.Fprintf(w, "500 unknown\r\n")
		}
		w.Flush()
	}
}

func matchesCmd(line, cmd string) bool {
	return len(line) >= len(cmd) && line[:len(cmd)] == cmd
}

func TestHandler_DownloadRoundTrip(t *testing.T) {
	body := []byte("the quick brown fox jumps over the lazy dog")
	srv := startFakeFTPServer(t, body)

	h := New(zerolog.Nop())
	dh, err := h.Download(context.Background(), "ftp://"+srv.addr+"/file.txt", protocol.DownloadOptions{}, nil)
	require.NoError(t, err)
	defer dh.Close()

	manifest, err := dh.Manifest(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(manifest.Chunks), 1)

	data, err := dh.Fetch(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, manifest.Verify(0, data))
	assert.Equal(t, body[:len(data)], data)
}
