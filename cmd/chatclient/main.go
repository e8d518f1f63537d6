package main

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/groupchat/internal/logging"
	"github.com/danmuck/groupchat/internal/protocol/pdu"
	"github.com/danmuck/groupchat/internal/transport"
)

var (
	// ErrQuit signals the user asked to leave.
	ErrQuit = errors.New("quit")
	// ErrEmptyLine is returned for input with nothing to send.
	ErrEmptyLine = errors.New("empty line")
)

type commandKind int

const (
	commandMessage commandKind = iota
	commandQuit
	commandHelp
)

type command struct {
	kind commandKind
	text string
}

// parseLine maps one line of terminal input onto a command.
func parseLine(line string) (command, error) {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return command{}, ErrEmptyLine
	case trimmed == "/quit" || trimmed == "/exit":
		return command{kind: commandQuit}, nil
	case trimmed == "/help":
		return command{kind: commandHelp}, nil
	case strings.HasPrefix(trimmed, "//"):
		return command{kind: commandMessage, text: strings.TrimPrefix(strings.TrimRight(line, "\r\n"), "/")}, nil
	case strings.HasPrefix(trimmed, "/"):
		return command{}, fmt.Errorf("unknown command %q (try /help)", trimmed)
	default:
		return command{kind: commandMessage, text: strings.TrimRight(line, "\r\n")}, nil
	}
}

// render formats one server envelope for the terminal; ok is false for
// envelopes the user does not need to see.
func render(env pdu.Envelope) (string, bool) {
	switch env.Kind {
	case pdu.KindEvent:
		switch env.EventType {
		case pdu.EventMessage:
			return fmt.Sprintf("<%s> %s", env.OriginClientID, env.Payload), true
		case pdu.EventLogin:
			return fmt.Sprintf("* %s joined", env.OriginClientID), true
		case pdu.EventLogout:
			return fmt.Sprintf("* %s left", env.OriginClientID), true
		}
	case pdu.KindLoginListResponse:
		return "* online: " + strings.Join(env.Members, ", "), true
	case pdu.KindError:
		return fmt.Sprintf("! %s (%d) %s", env.Code, uint32(env.Code), env.Payload), true
	case pdu.KindMessageResponse:
		if env.ServerTime > 0 {
			return fmt.Sprintf("  (sent, server %s)", env.ServerTime), true
		}
		return "", false
	}
	return "", false
}

// Retries arrive within a few confirm timeouts, so event ids older than
// seenWindow are forgotten once more than seenLimit are held.
const (
	seenWindow = 2 * time.Minute
	seenLimit  = 1024
)

// chatSession serializes sends and remembers which events were already shown.
type chatSession struct {
	id   string
	tr   transport.Transport
	out  io.Writer
	now  func() time.Time
	mu   sync.Mutex
	seq  uint64
	seen map[string]time.Time
}

func newChatSession(id string, tr transport.Transport, out io.Writer) *chatSession {
	return &chatSession{id: id, tr: tr, out: out, now: time.Now, seen: make(map[string]time.Time)}
}

func (s *chatSession) send(build func(seq uint64) pdu.Envelope) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, s.tr.Send(build(s.seq))
}

// handle confirms events and prints each one once, even when the server
// retried it.
func (s *chatSession) handle(env pdu.Envelope) {
	if env.Kind == pdu.KindEvent && env.EventID != "" {
		_, _ = s.send(func(seq uint64) pdu.Envelope { return pdu.NewEventConfirm(s.id, env.EventID, seq) })
		if s.remember(env.EventID) {
			return
		}
	}
	if line, ok := render(env); ok {
		fmt.Fprintln(s.out, line)
	}
}

// remember records eventID and reports whether it was already seen.
func (s *chatSession) remember(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if _, dup := s.seen[eventID]; dup {
		return true
	}
	s.seen[eventID] = now
	if len(s.seen) <= seenLimit {
		return false
	}
	cutoff := now.Add(-seenWindow)
	for id, at := range s.seen {
		if at.Before(cutoff) {
			delete(s.seen, id)
		}
	}
	for len(s.seen) > seenLimit {
		oldest, oldestAt := "", now
		for id, at := range s.seen {
			if oldest == "" || at.Before(oldestAt) {
				oldest, oldestAt = id, at
			}
		}
		delete(s.seen, oldest)
	}
	return false
}

// login sends a LoginRequest and waits for its answer, printing anything
// that arrives in between.
func (s *chatSession) login(timeout time.Duration) error {
	seq, err := s.send(func(seq uint64) pdu.Envelope { return pdu.NewLoginRequest(s.id, seq) })
	if err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		env, err := s.tr.Receive(time.Until(deadline))
		if err != nil {
			return err
		}
		if env.Sequence == seq && env.Kind == pdu.KindError {
			return fmt.Errorf("login rejected: %s", env.Code)
		}
		if env.Sequence == seq && env.Kind == pdu.KindLoginResponse {
			return nil
		}
		s.handle(env)
	}
	return transport.ErrTimedOut
}

// receive prints server traffic until the transport closes or done is closed.
func (s *chatSession) receive(done <-chan struct{}) error {
	for {
		select {
		case <-done:
			return nil
		default:
		}
		env, err := s.tr.Receive(250 * time.Millisecond)
		switch {
		case errors.Is(err, transport.ErrTimedOut), errors.Is(err, transport.ErrMalformed):
			continue
		case err != nil:
			return err
		}
		if env.Kind == pdu.KindLogoutResponse {
			return nil
		}
		s.handle(env)
	}
}

func dial(network, addr, caFile string) (transport.Transport, error) {
	opts := transport.DefaultOptions()
	switch network {
	case "udp":
		return transport.DialDatagram(addr, opts)
	case "tls":
		pool := x509.NewCertPool()
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read ca: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse ca bundle: %s", caFile)
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		conn, err := tls.Dial("tcp", addr, &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool, ServerName: host})
		if err != nil {
			return nil, err
		}
		return transport.NewStream(conn, opts), nil
	default:
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, err
		}
		return transport.NewStream(conn, opts), nil
	}
}

func run(id, network, addr, caFile string, in io.Reader, out io.Writer) error {
	tr, err := dial(network, addr, caFile)
	if err != nil {
		return err
	}
	defer tr.Close()

	out = &lockedWriter{w: out}
	s := newChatSession(id, tr, out)
	if err := s.login(10 * time.Second); err != nil {
		return err
	}
	fmt.Fprintf(out, "* logged in as %s, /quit to leave\n", id)

	done := make(chan struct{})
	recvErr := make(chan error, 1)
	go func() { recvErr <- s.receive(done) }()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		cmd, err := parseLine(scanner.Text())
		if errors.Is(err, ErrEmptyLine) {
			continue
		}
		if err != nil {
			fmt.Fprintln(out, "!", err)
			continue
		}
		switch cmd.kind {
		case commandHelp:
			fmt.Fprintln(out, "  text sends a message, //text sends a line starting with /, /quit leaves")
		case commandQuit:
			return s.quit(done, recvErr)
		case commandMessage:
			if _, err := s.send(func(seq uint64) pdu.Envelope { return pdu.NewMessageRequest(id, seq, cmd.text) }); err != nil {
				return err
			}
		}
	}
	return s.quit(done, recvErr)
}

// lockedWriter lets the receive goroutine and the input loop share out.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (s *chatSession) quit(done chan struct{}, recvErr <-chan error) error {
	if _, err := s.send(func(seq uint64) pdu.Envelope { return pdu.NewLogoutRequest(s.id, seq) }); err != nil {
		close(done)
		return err
	}
	select {
	case err := <-recvErr:
		if errors.Is(err, transport.ErrClosed) {
			return nil
		}
		return err
	case <-time.After(5 * time.Second):
		close(done)
		return ErrQuit
	}
}

func main() {
	id := flag.String("id", "", "client id to log in with")
	network := flag.String("transport", "tcp", "tcp|tls|udp")
	addr := flag.String("addr", "127.0.0.1:50001", "server address")
	caFile := flag.String("ca", "", "CA bundle for -transport tls")
	flag.Parse()

	logging.ConfigureRuntime()
	if strings.TrimSpace(*id) == "" {
		fmt.Fprintln(os.Stderr, "chatclient: -id is required")
		os.Exit(2)
	}
	if err := run(*id, *network, *addr, *caFile, os.Stdin, os.Stdout); err != nil && !errors.Is(err, ErrQuit) {
		fmt.Fprintf(os.Stderr, "chatclient: %v\n", err)
		os.Exit(1)
	}
}
