package remote

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/artpar/shipit/internal/core/crypto"
	"github.com/artpar/shipit/internal/core/domain"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// =============================================================================
// In-process SSH Server
// =============================================================================

// execHandler runs one exec request and returns its exit status.
type execHandler func(cmd string, stdin io.Reader, stdout, stderr io.Writer) uint32

type testServer struct {
	t        *testing.T
	listener net.Listener
	config   *ssh.ServerConfig
	handler  execHandler
	hostKey  ssh.PublicKey

	mu       sync.Mutex
	commands []string

	// ignoreGlobal leaves global requests such as keepalives unanswered,
	// like a peer that has gone away without closing the connection.
	ignoreGlobal atomic.Bool
}

// newTestServer starts an SSH server on loopback that accepts only
// clientSigner's key and answers exec requests with handler.
func newTestServer(t *testing.T, clientSigner ssh.Signer, handler execHandler) *testServer {
	t.Helper()

	hostPEM, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	hostSigner, err := crypto.ParseSigner(hostPEM, nil)
	require.NoError(t, err)

	allowed := clientSigner.PublicKey().Marshal()
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), allowed) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(hostSigner)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testServer{t: t, listener: l, config: config, handler: handler, hostKey: hostSigner.PublicKey()}
	go s.acceptLoop()
	t.Cleanup(func() { l.Close() })
	return s
}

func (s *testServer) target() domain.RemoteTarget {
	host, port, _ := net.SplitHostPort(s.listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return domain.RemoteTarget{Host: host, Port: p, User: "deploy", BasePath: "/srv/app"}
}

func (s *testServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *testServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.serveConn(conn)
	}
}

func (s *testServer) serveConn(conn net.Conn) {
	_, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		conn.Close()
		return
	}
	go s.serveGlobal(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "only sessions")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.serveSession(ch, chReqs)
	}
}

func (s *testServer) serveGlobal(reqs <-chan *ssh.Request) {
	for req := range reqs {
		if s.ignoreGlobal.Load() {
			continue
		}
		if req.WantReply {
			req.Reply(false, nil)
		}
	}
}

func (s *testServer) serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			return
		}
		req.Reply(true, nil)

		s.mu.Lock()
		s.commands = append(s.commands, payload.Command)
		s.mu.Unlock()

		status := s.handler(payload.Command, ch, ch, ch.Stderr())
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}

// =============================================================================
// Fake Remote Filesystem
// =============================================================================

// fakeHost understands the handful of commands the executor and transferer
// send and keeps uploaded files in memory.
type fakeHost struct {
	mu    sync.Mutex
	files map[string][]byte

	// dropUploads simulates a copy that exits zero but writes nothing.
	dropUploads bool
}

func newFakeHost() *fakeHost {
	return &fakeHost{files: make(map[string][]byte)}
}

func (h *fakeHost) file(path string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.files[path]
	return b, ok
}

// firstQuoted returns the first single-quoted argument of cmd.
func firstQuoted(cmd string) string {
	start := strings.IndexByte(cmd, '\'')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(cmd[start+1:], '\'')
	if end < 0 {
		return ""
	}
	return cmd[start+1 : start+1+end]
}

func (h *fakeHost) handle(cmd string, stdin io.Reader, stdout, stderr io.Writer) uint32 {
	switch {
	case cmd == "exit 0":
		return 0
	case strings.HasPrefix(cmd, "exit "):
		code, _ := strconv.Atoi(strings.TrimPrefix(cmd, "exit "))
		return uint32(code)
	case strings.HasPrefix(cmd, "echo "):
		fmt.Fprintln(stdout, strings.TrimPrefix(cmd, "echo "))
		return 0
	case strings.HasPrefix(cmd, "fail "):
		fmt.Fprintln(stderr, strings.TrimPrefix(cmd, "fail "))
		return 1
	case strings.HasPrefix(cmd, "mkdir -p "):
		return 0
	case strings.HasPrefix(cmd, "cat > "):
		data, _ := io.ReadAll(stdin)
		if !h.dropUploads {
			h.mu.Lock()
			h.files[firstQuoted(cmd)] = data
			h.mu.Unlock()
		}
		return 0
	case strings.HasPrefix(cmd, "test -f "):
		if _, ok := h.file(firstQuoted(cmd)); ok {
			return 0
		}
		return 1
	case strings.HasPrefix(cmd, "sha256sum "):
		path := firstQuoted(cmd)
		data, ok := h.file(path)
		if !ok {
			fmt.Fprintf(stderr, "sha256sum: %s: No such file or directory\n", path)
			return 1
		}
		sum := sha256.Sum256(data)
		fmt.Fprintf(stdout, "%s  %s\n", hex.EncodeToString(sum[:]), path)
		return 0
	default:
		fmt.Fprintf(stderr, "sh: unknown command: %s\n", cmd)
		return 127
	}
}
