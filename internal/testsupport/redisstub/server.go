// Package redisstub runs an in-process RESP2 server that understands the
// string, counter, set, and expiry commands vidhub issues.
package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
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
	sets     map[string]map[string]struct{}
	commands map[string]int
	failing  map[string]bool
	closed   chan struct{}
}

type kvEntry struct {
	value  string
	expiry time.Time
}

func (e *kvEntry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && !now.Before(e.expiry)
}

// Start listens on a random loopback port.
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
		sets:     make(map[string]map[string]struct{}),
		commands: make(map[string]int),
		failing:  make(map[string]bool),
		closed:   make(chan struct{}),
	}
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

// Calls reports how many times cmd has been received.
func (s *Server) Calls(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands[strings.ToUpper(cmd)]
}

// FailCommand makes every subsequent cmd answer with an error reply until
// called again with fail=false.
func (s *Server) FailCommand(cmd string, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[strings.ToUpper(cmd)] = fail
}

// Value returns the string stored at key.
func (s *Server) Value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.kv[key]
	if entry == nil || entry.expired(time.Now()) {
		return "", false
	}
	return entry.value, true
}

// Members returns the members of the set at key.
func (s *Server) Members(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sets[key]))
	for member := range s.sets[key] {
		out = append(out, member)
	}
	return out
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
	go func() {
		<-s.closed
		_ = conn.Close()
	}()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if err := writeError(writer, "ERR wrong number of arguments"); err != nil {
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
		case "PING":
			werr = writeSimpleString(writer, "PONG")
		case "AUTH":
			password := args[len(args)-1]
			switch {
			case len(args) < 2 || len(args) > 3:
				werr = writeError(writer, "ERR wrong number of arguments for 'auth'")
			case s.opts.Password == "" || password == s.opts.Password:
				authenticated = true
				werr = writeSimpleString(writer, "OK")
			default:
				werr = writeError(writer, "WRONGPASS invalid username-password pair")
			}
		case "SELECT":
			werr = writeSimpleString(writer, "OK")
		default:
			if !authenticated {
				werr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			werr = s.dispatch(writer, cmd, args[1:])
		}
		if werr != nil {
			return
		}
	}
}

// dispatch answers one authenticated command. Unknown commands, including
// the HELLO and CLIENT handshakes newer clients send, get an error reply and
// the connection stays open.
func (s *Server) dispatch(w *bufio.Writer, cmd string, args []string) error {
	s.mu.Lock()
	failing := s.failing[cmd]
	s.mu.Unlock()
	if failing {
		return writeError(w, "ERR injected failure for '"+strings.ToLower(cmd)+"'")
	}

	arity := map[string]int{
		"GET": 1, "GETDEL": 1, "SET": 2, "INCR": 1, "INCRBY": 2, "EXPIRE": 2, "TTL": 1,
		"SADD": -2, "SREM": -2, "SPOP": -1, "SCARD": 1, "SMEMBERS": 1, "DEL": -1,
	}
	want, known := arity[cmd]
	if !known {
		return writeError(w, fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(cmd)))
	}
	if (want > 0 && len(args) != want) || (want < 0 && len(args) < -want) {
		return writeError(w, fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(cmd)))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	switch cmd {
	case "GET":
		entry := s.liveEntry(args[0], now)
		if entry == nil {
			return writeBulkNil(w)
		}
		return writeBulkString(w, entry.value)
	case "GETDEL":
		entry := s.liveEntry(args[0], now)
		if entry == nil {
			return writeBulkNil(w)
		}
		delete(s.kv, args[0])
		return writeBulkString(w, entry.value)
	case "SET":
		s.kv[args[0]] = &kvEntry{value: args[1]}
		return writeSimpleString(w, "OK")
	case "INCR", "INCRBY":
		delta := int64(1)
		if cmd == "INCRBY" {
			parsed, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return writeError(w, "ERR value is not an integer or out of range")
			}
			delta = parsed
		}
		entry := s.liveEntry(args[0], now)
		if entry == nil {
			entry = &kvEntry{value: "0"}
			s.kv[args[0]] = entry
		}
		current, err := strconv.ParseInt(entry.value, 10, 64)
		if err != nil {
			return writeError(w, "ERR value is not an integer or out of range")
		}
		current += delta
		entry.value = strconv.FormatInt(current, 10)
		return writeInteger(w, current)
	case "EXPIRE":
		seconds, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return writeError(w, "ERR value is not an integer or out of range")
		}
		entry := s.liveEntry(args[0], now)
		if entry == nil {
			return writeInteger(w, 0)
		}
		entry.expiry = now.Add(time.Duration(seconds) * time.Second)
		return writeInteger(w, 1)
	case "TTL":
		entry := s.liveEntry(args[0], now)
		switch {
		case entry == nil:
			return writeInteger(w, -2)
		case entry.expiry.IsZero():
			return writeInteger(w, -1)
		default:
			return writeInteger(w, int64(entry.expiry.Sub(now).Round(time.Second)/time.Second))
		}
	case "SADD":
		set := s.sets[args[0]]
		if set == nil {
			set = make(map[string]struct{})
			s.sets[args[0]] = set
		}
		added := 0
		for _, member := range args[1:] {
			if _, exists := set[member]; !exists {
				set[member] = struct{}{}
				added++
			}
		}
		return writeInteger(w, int64(added))
	case "SREM":
		removed := 0
		for _, member := range args[1:] {
			if _, exists := s.sets[args[0]][member]; exists {
				delete(s.sets[args[0]], member)
				removed++
			}
		}
		return writeInteger(w, int64(removed))
	case "SPOP":
		return s.spop(w, args)
	case "SCARD":
		return writeInteger(w, int64(len(s.sets[args[0]])))
	case "SMEMBERS":
		members := make([]interface{}, 0, len(s.sets[args[0]]))
		for member := range s.sets[args[0]] {
			members = append(members, member)
		}
		return writeArray(w, members)
	case "DEL":
		removed := 0
		for _, key := range args {
			if s.liveEntry(key, now) != nil {
				delete(s.kv, key)
				removed++
			}
			if _, ok := s.sets[key]; ok {
				delete(s.sets, key)
				removed++
			}
		}
		return writeInteger(w, int64(removed))
	}
	return writeError(w, "ERR unsupported command")
}

func (s *Server) spop(w *bufio.Writer, args []string) error {
	set := s.sets[args[0]]
	withCount := len(args) > 1
	count := 1
	if withCount {
		parsed, err := strconv.Atoi(args[1])
		if err != nil || parsed < 0 {
			return writeError(w, "ERR value is out of range, must be positive")
		}
		count = parsed
	}
	popped := make([]interface{}, 0, count)
	for member := range set {
		if len(popped) == count {
			break
		}
		popped = append(popped, member)
	}
	rand.Shuffle(len(popped), func(i, j int) { popped[i], popped[j] = popped[j], popped[i] })
	for _, member := range popped {
		delete(set, member.(string))
	}
	if len(set) == 0 {
		delete(s.sets, args[0])
	}
	if withCount {
		return writeArray(w, popped)
	}
	if len(popped) == 0 {
		return writeBulkNil(w)
	}
	return writeBulkString(w, popped[0].(string))
}

// liveEntry returns the unexpired entry at key, dropping it when expired.
// Callers hold s.mu.
func (s *Server) liveEntry(key string, now time.Time) *kvEntry {
	entry := s.kv[key]
	if entry == nil {
		return nil
	}
	if entry.expired(now) {
		delete(s.kv, key)
		return nil
	}
	return entry
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

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
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

func writeArray(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		s := fmt.Sprint(value)
		if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(s), s); err != nil {
			return err
		}
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
