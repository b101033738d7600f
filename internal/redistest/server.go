// Package redistest runs an in-process TCP server speaking the subset of
// the Redis protocol the pipeline issues, so broker, backend, and cache
// tests exercise real sockets without an external server.
package redistest

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// Server is a single-process Redis stand-in.
type Server struct {
	ln       net.Listener
	password string

	mu  sync.Mutex
	dbs map[int]*database

	wg     sync.WaitGroup
	closed chan struct{}
}

type database struct {
	strings map[string]stringEntry
	lists   map[string][]string
	hashes  map[string]map[string]string
	zsets   map[string]map[string]float64
}

type stringEntry struct {
	value    string
	expireAt time.Time // zero means no expiry
}

func newDatabase() *database {
	return &database{
		strings: make(map[string]stringEntry),
		lists:   make(map[string][]string),
		hashes:  make(map[string]map[string]string),
		zsets:   make(map[string]map[string]float64),
	}
}

// Option configures the server.
type Option func(*Server)

// WithPassword requires AUTH with the given password.
func WithPassword(password string) Option {
	return func(s *Server) { s.password = password }
}

// NewServer starts a server on a random loopback port and stops it when the
// test finishes.
func NewServer(t *testing.T, opts ...Option) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen for redistest server: %v", err)
	}

	s := &Server{
		ln:     ln,
		dbs:    make(map[int]*database),
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.acceptLoop()

	t.Cleanup(s.Stop)
	return s
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Stop closes the listener and waits for connection handlers to finish.
func (s *Server) Stop() {
	select {
	case <-s.closed:
		return
	default:
	}
	close(s.closed)
	_ = s.ln.Close()
	s.wg.Wait()
}

// LLen reports a list length directly, for assertions.
func (s *Server) LLen(db int, key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.db(db).lists[key])
}

// HLen reports a hash size directly, for assertions.
func (s *Server) HLen(db int, key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.db(db).hashes[key])
}

// db returns the database for an index, creating it on first use.
// Caller holds s.mu.
func (s *Server) db(index int) *database {
	d, ok := s.dbs[index]
	if !ok {
		d = newDatabase()
		s.dbs[index] = d
	}
	return d
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.handle(conn)
	}
}

type session struct {
	db     int
	authed bool
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	sess := &session{}

	for {
		select {
		case <-s.closed:
			return
		default:
		}

		// Connections idle between commands; bound the wait for the first
		// byte so Stop is not held up forever by a silent client. Once a
		// command starts arriving, read its body under a generous deadline
		// so a tick can never split a command.
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		if _, err := rw.Reader.Peek(1); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		args, err := readCommand(rw.Reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		reply := s.dispatch(sess, args)
		if _, err := rw.WriteString(reply); err != nil {
			return
		}
		if err := rw.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(sess *session, args []string) string {
	cmd := strings.ToUpper(args[0])

	if s.password != "" && !sess.authed && cmd != "AUTH" {
		return errReply("NOAUTH Authentication required.")
	}

	switch cmd {
	case "PING":
		return "+PONG\r\n"
	case "AUTH":
		if len(args) != 2 {
			return wrongArgs(cmd)
		}
		if s.password == "" {
			return errReply("ERR Client sent AUTH, but no password is set")
		}
		if args[1] != s.password {
			return errReply("ERR invalid password")
		}
		sess.authed = true
		return okReply()
	case "SELECT":
		if len(args) != 2 {
			return wrongArgs(cmd)
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			return errReply("ERR invalid DB index")
		}
		sess.db = n
		return okReply()
	case "FLUSHDB":
		s.mu.Lock()
		s.dbs[sess.db] = newDatabase()
		s.mu.Unlock()
		return okReply()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.db(sess.db)

	switch cmd {
	case "LPUSH", "RPUSH":
		if len(args) < 3 {
			return wrongArgs(cmd)
		}
		list := d.lists[args[1]]
		for _, v := range args[2:] {
			if cmd == "LPUSH" {
				list = append([]string{v}, list...)
			} else {
				list = append(list, v)
			}
		}
		d.lists[args[1]] = list
		return intReply(len(list))

	case "RPOP", "LPOP":
		if len(args) != 2 {
			return wrongArgs(cmd)
		}
		list := d.lists[args[1]]
		if len(list) == 0 {
			return nilReply()
		}
		var v string
		if cmd == "RPOP" {
			v = list[len(list)-1]
			list = list[:len(list)-1]
		} else {
			v = list[0]
			list = list[1:]
		}
		if len(list) == 0 {
			delete(d.lists, args[1])
		} else {
			d.lists[args[1]] = list
		}
		return bulkReply(v)

	case "LLEN":
		if len(args) != 2 {
			return wrongArgs(cmd)
		}
		return intReply(len(d.lists[args[1]]))

	case "LRANGE":
		if len(args) != 4 {
			return wrongArgs(cmd)
		}
		list := d.lists[args[1]]
		start, err1 := strconv.Atoi(args[2])
		stop, err2 := strconv.Atoi(args[3])
		if err1 != nil || err2 != nil {
			return errReply("ERR value is not an integer or out of range")
		}
		start, stop = clampRange(start, stop, len(list))
		if start > stop {
			return arrayReply(nil)
		}
		return arrayReply(list[start : stop+1])

	case "LREM":
		if len(args) != 4 {
			return wrongArgs(cmd)
		}
		count, err := strconv.Atoi(args[2])
		if err != nil {
			return errReply("ERR value is not an integer or out of range")
		}
		removed := 0
		list := d.lists[args[1]]
		// Only head-to-tail removal is exercised here.
		out := list[:0]
		for _, v := range list {
			if v == args[3] && (count == 0 || removed < count) {
				removed++
				continue
			}
			out = append(out, v)
		}
		if len(out) == 0 {
			delete(d.lists, args[1])
		} else {
			d.lists[args[1]] = out
		}
		return intReply(removed)

	case "HSET":
		if len(args) < 4 || len(args)%2 != 0 {
			return wrongArgs(cmd)
		}
		h := d.hashes[args[1]]
		if h == nil {
			h = make(map[string]string)
			d.hashes[args[1]] = h
		}
		added := 0
		for i := 2; i < len(args); i += 2 {
			if _, exists := h[args[i]]; !exists {
				added++
			}
			h[args[i]] = args[i+1]
		}
		return intReply(added)

	case "HGET":
		if len(args) != 3 {
			return wrongArgs(cmd)
		}
		v, ok := d.hashes[args[1]][args[2]]
		if !ok {
			return nilReply()
		}
		return bulkReply(v)

	case "HDEL":
		if len(args) < 3 {
			return wrongArgs(cmd)
		}
		removed := 0
		if h, ok := d.hashes[args[1]]; ok {
			for _, field := range args[2:] {
				if _, exists := h[field]; exists {
					delete(h, field)
					removed++
				}
			}
			if len(h) == 0 {
				delete(d.hashes, args[1])
			}
		}
		return intReply(removed)

	case "HLEN":
		if len(args) != 2 {
			return wrongArgs(cmd)
		}
		return intReply(len(d.hashes[args[1]]))

	case "HINCRBY":
		if len(args) != 4 {
			return wrongArgs(cmd)
		}
		delta, err := strconv.Atoi(args[3])
		if err != nil {
			return errReply("ERR value is not an integer or out of range")
		}
		h := d.hashes[args[1]]
		if h == nil {
			h = make(map[string]string)
			d.hashes[args[1]] = h
		}
		current, _ := strconv.Atoi(h[args[2]])
		current += delta
		h[args[2]] = strconv.Itoa(current)
		return intReply(current)

	case "ZADD":
		if len(args) < 4 || len(args)%2 != 0 {
			return wrongArgs(cmd)
		}
		z := d.zsets[args[1]]
		if z == nil {
			z = make(map[string]float64)
			d.zsets[args[1]] = z
		}
		added := 0
		for i := 2; i < len(args); i += 2 {
			score, err := strconv.ParseFloat(args[i], 64)
			if err != nil {
				return errReply("ERR value is not a valid float")
			}
			if _, exists := z[args[i+1]]; !exists {
				added++
			}
			z[args[i+1]] = score
		}
		return intReply(added)

	case "ZREM":
		if len(args) < 3 {
			return wrongArgs(cmd)
		}
		removed := 0
		if z, ok := d.zsets[args[1]]; ok {
			for _, member := range args[2:] {
				if _, exists := z[member]; exists {
					delete(z, member)
					removed++
				}
			}
			if len(z) == 0 {
				delete(d.zsets, args[1])
			}
		}
		return intReply(removed)

	case "ZRANGEBYSCORE":
		if len(args) < 4 {
			return wrongArgs(cmd)
		}
		min, err1 := parseScoreBound(args[2])
		max, err2 := parseScoreBound(args[3])
		if err1 != nil || err2 != nil {
			return errReply("ERR min or max is not a float")
		}
		limit := -1
		offset := 0
		if len(args) == 7 && strings.ToUpper(args[4]) == "LIMIT" {
			offset, _ = strconv.Atoi(args[5])
			limit, _ = strconv.Atoi(args[6])
		}
		type member struct {
			name  string
			score float64
		}
		var members []member
		for name, score := range d.zsets[args[1]] {
			if score >= min && score <= max {
				members = append(members, member{name, score})
			}
		}
		sort.Slice(members, func(i, j int) bool {
			if members[i].score != members[j].score {
				return members[i].score < members[j].score
			}
			return members[i].name < members[j].name
		})
		out := make([]string, 0, len(members))
		for i, m := range members {
			if i < offset {
				continue
			}
			if limit >= 0 && len(out) >= limit {
				break
			}
			out = append(out, m.name)
		}
		return arrayReply(out)

	case "SET":
		if len(args) < 3 {
			return wrongArgs(cmd)
		}
		entry := stringEntry{value: args[2]}
		if len(args) == 5 && strings.ToUpper(args[3]) == "EX" {
			secs, err := strconv.Atoi(args[4])
			if err != nil || secs <= 0 {
				return errReply("ERR invalid expire time in 'set' command")
			}
			entry.expireAt = time.Now().Add(time.Duration(secs) * time.Second)
		}
		d.strings[args[1]] = entry
		return okReply()

	case "GET":
		if len(args) != 2 {
			return wrongArgs(cmd)
		}
		entry, ok := d.strings[args[1]]
		if !ok {
			return nilReply()
		}
		if !entry.expireAt.IsZero() && time.Now().After(entry.expireAt) {
			delete(d.strings, args[1])
			return nilReply()
		}
		return bulkReply(entry.value)

	case "DEL":
		if len(args) < 2 {
			return wrongArgs(cmd)
		}
		removed := 0
		for _, key := range args[1:] {
			if _, ok := d.strings[key]; ok {
				delete(d.strings, key)
				removed++
			}
			if _, ok := d.lists[key]; ok {
				delete(d.lists, key)
				removed++
			}
			if _, ok := d.hashes[key]; ok {
				delete(d.hashes, key)
				removed++
			}
			if _, ok := d.zsets[key]; ok {
				delete(d.zsets, key)
				removed++
			}
		}
		return intReply(removed)

	case "EXPIRE":
		if len(args) != 3 {
			return wrongArgs(cmd)
		}
		secs, err := strconv.Atoi(args[2])
		if err != nil {
			return errReply("ERR value is not an integer or out of range")
		}
		entry, ok := d.strings[args[1]]
		if !ok {
			return intReply(0)
		}
		entry.expireAt = time.Now().Add(time.Duration(secs) * time.Second)
		d.strings[args[1]] = entry
		return intReply(1)

	default:
		return errReply(fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

// readCommand reads one client command (an array of bulk strings).
func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != '*' {
		return nil, fmt.Errorf("expected array, got %q", line)
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, err
	}

	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		header, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if len(header) == 0 || header[0] != '$' {
			return nil, fmt.Errorf("expected bulk string, got %q", header)
		}
		size, err := strconv.Atoi(header[1:])
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}

func clampRange(start, stop, length int) (int, int) {
	if start < 0 {
		start += length
	}
	if stop < 0 {
		stop += length
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	return start, stop
}

func parseScoreBound(raw string) (float64, error) {
	switch strings.ToLower(raw) {
	case "-inf":
		return -1 << 62, nil
	case "+inf", "inf":
		return 1 << 62, nil
	default:
		return strconv.ParseFloat(raw, 64)
	}
}

func wrongArgs(cmd string) string {
	return errReply(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(cmd)))
}

func okReply() string              { return "+OK\r\n" }
func intReply(n int) string        { return fmt.Sprintf(":%d\r\n", n) }
func nilReply() string             { return "$-1\r\n" }
func bulkReply(s string) string    { return fmt.Sprintf("$%d\r\n%s\r\n", len(s), s) }
func errReply(msg string) string   { return "-" + msg + "\r\n" }

func arrayReply(items []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%d\r\n", len(items))
	for _, item := range items {
		fmt.Fprintf(&b, "$%d\r\n%s\r\n", len(item), item)
	}
	return b.String()
}
