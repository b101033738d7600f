package redisx

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

// ErrClientClosed is returned for commands issued after Close.
var ErrClientClosed = errors.New("redis client closed")

// ServerError is an error reply from the server (a RESP "-" line).
type ServerError struct {
	Msg string
}

func (e *ServerError) Error() string {
	return "redis server error: " + e.Msg
}

// Reply is a decoded server response: nil, a string (simple strings,
// integers, and bulk strings all arrive as strings), or a list of strings.
type Reply struct {
	value interface{}
}

// IsNil reports a nil bulk or nil array response (a cache miss, an empty
// pop).
func (r Reply) IsNil() bool {
	return r.value == nil
}

// Str returns the response as a string. ok is false for nil replies.
func (r Reply) Str() (string, bool) {
	s, ok := r.value.(string)
	return s, ok
}

// Int parses an integer response. Nil replies decode as zero.
func (r Reply) Int() (int, error) {
	if r.value == nil {
		return 0, nil
	}
	s, ok := r.value.(string)
	if !ok {
		return 0, errors.New("unexpected redis integer response type")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad redis integer %q: %w", s, err)
	}
	return n, nil
}

// List returns the response as a string array. ok is false for nil replies.
func (r Reply) List() ([]string, bool) {
	if r.value == nil {
		return nil, false
	}
	arr, ok := r.value.([]string)
	return arr, ok
}

type readWriter struct {
	*bufio.ReadWriter
}

func newReadWriter(nc net.Conn) *readWriter {
	return &readWriter{bufio.NewReadWriter(bufio.NewReader(nc), bufio.NewWriter(nc))}
}

func writeRESP(rw *readWriter, parts ...string) error {
	if _, err := fmt.Fprintf(rw, "*%d\r\n", len(parts)); err != nil {
		return err
	}
	for _, p := range parts {
		if _, err := fmt.Fprintf(rw, "$%d\r\n%s\r\n", len(p), p); err != nil {
			return err
		}
	}
	return rw.Flush()
}

func readRESP(rw *readWriter) (interface{}, error) {
	prefix, err := rw.ReadByte()
	if err != nil {
		return nil, err
	}
	line, err := rw.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")

	switch prefix {
	case '+', ':':
		return line, nil
	case '-':
		return nil, &ServerError{Msg: line}
	case '$':
		n, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(rw, buf); err != nil {
			return nil, err
		}
		return string(buf[:n]), nil
	case '*':
		n, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		arr := make([]string, 0, n)
		for i := 0; i < n; i++ {
			v, err := readRESP(rw)
			if err != nil {
				return nil, err
			}
			if v == nil {
				arr = append(arr, "")
				continue
			}
			s, ok := v.(string)
			if !ok {
				return nil, errors.New("unexpected redis array element")
			}
			arr = append(arr, s)
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("unsupported redis response prefix %q", prefix)
	}
}
