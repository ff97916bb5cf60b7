// Package redisstub runs an in-process RESP server that understands the
// handful of key/value commands the rate limiter issues.
package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password string
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string

	mu       sync.Mutex
	kv       map[string]*kvEntry
	commands map[string]int
	closed   chan struct{}
}

type kvEntry struct {
	value  int64
	expiry time.Time
}

func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server := &Server{
		opts:     opts,
		listener: ln,
		addr:     ln.Addr().String(),
		kv:       make(map[string]*kvEntry),
		commands: make(map[string]int),
		closed:   make(chan struct{}),
	}
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

// CommandCount reports how many times cmd was received.
func (s *Server) CommandCount(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands[strings.ToUpper(cmd)]
}

// Expire forces key to expire now, simulating the end of a window.
func (s *Server) Expire(key string) {
	s.mu.Lock()
	delete(s.kv, key)
	s.mu.Unlock()
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	return s.listener.Close()
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeError(writer, "ERR wrong number of arguments") != nil {
				return
			}
			continue
		}
		cmd := strings.ToUpper(args[0])
		s.mu.Lock()
		s.commands[cmd]++
		s.mu.Unlock()

		var werr error
		switch cmd {
		case "HELLO":
			// Clients fall back to RESP2 on an error reply.
			werr = writeError(writer, "ERR unknown command 'HELLO'")
		case "PING":
			werr = writeSimpleString(writer, "PONG")
		case "AUTH":
			password := args[len(args)-1]
			if len(args) < 2 || (s.opts.Password != "" && password != s.opts.Password) {
				werr = writeError(writer, "WRONGPASS invalid username-password pair")
				break
			}
			authenticated = true
			werr = writeSimpleString(writer, "OK")
		case "SELECT", "CLIENT":
			werr = writeSimpleString(writer, "OK")
		default:
			if !authenticated {
				werr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			werr = s.dispatch(writer, cmd, args)
		}
		if werr != nil {
			return
		}
	}
}

func (s *Server) dispatch(writer *bufio.Writer, cmd string, args []string) error {
	switch cmd {
	case "INCR":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'incr'")
		}
		return writeInteger(writer, s.incr(args[1]))
	case "EXPIRE":
		if len(args) != 3 {
			return writeError(writer, "ERR wrong number of arguments for 'expire'")
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return writeError(writer, "ERR value is not an integer or out of range")
		}
		return writeInteger(writer, s.expire(args[1], time.Duration(seconds)*time.Second))
	case "TTL":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'ttl'")
		}
		return writeInteger(writer, s.ttl(args[1]))
	case "DEL":
		var removed int64
		s.mu.Lock()
		for _, key := range args[1:] {
			if _, ok := s.kv[key]; ok {
				delete(s.kv, key)
				removed++
			}
		}
		s.mu.Unlock()
		return writeInteger(writer, removed)
	default:
		return writeError(writer, fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(cmd)))
	}
}

func (s *Server) liveEntryLocked(key string) *kvEntry {
	entry := s.kv[key]
	if entry != nil && !entry.expiry.IsZero() && !time.Now().Before(entry.expiry) {
		delete(s.kv, key)
		return nil
	}
	return entry
}

func (s *Server) incr(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.liveEntryLocked(key)
	if entry == nil {
		entry = &kvEntry{}
		s.kv[key] = entry
	}
	entry.value++
	return entry.value
}

func (s *Server) expire(key string, ttl time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.liveEntryLocked(key)
	if entry == nil {
		return 0
	}
	entry.expiry = time.Now().Add(ttl)
	return 1
}

func (s *Server) ttl(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.liveEntryLocked(key)
	if entry == nil {
		return -2
	}
	if entry.expiry.IsZero() {
		return -1
	}
	return int64(time.Until(entry.expiry).Round(time.Second) / time.Second)
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
