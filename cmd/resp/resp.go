// Package resp serves the engine over the Redis wire protocol so
// standard tools like redis-cli and redis-benchmark can drive it.
//
// Commands are received as RESP arrays of bulk strings; replies use
// the matching RESP types (simple string, bulk string, integer,
// error, null). Reference: https://redis.io/docs/reference/protocol-spec/
package resp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/epokhe/caskdb/core"
)

type server struct {
	db  *core.DB
	log *zap.SugaredLogger
}

// StartRESP serves db on addr in the background. It returns the bound
// address and a cleanup callback that stops the listener; the caller
// keeps ownership of the DB.
func StartRESP(db *core.DB, addr string, log *zap.SugaredLogger) (string, func(), error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, err
	}

	s := &server{db: db, log: log}
	go s.acceptLoop(listener)

	cleanup := func() {
		_ = listener.Close()
	}
	return listener.Addr().String(), cleanup, nil
}

func (s *server) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warnw("accept", "error", err)
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *server) handleConn(conn net.Conn) {
	defer conn.Close() // nolint:errcheck

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		args, err := readCommand(r)
		if err != nil {
			if err == io.EOF {
				return // client disconnected cleanly
			}
			// after a framing error the stream position is unknown,
			// so reply once and drop the connection rather than risk
			// misreading every command that follows
			s.log.Debugw("protocol error", "remote", conn.RemoteAddr(), "error", err)
			writeError(w, "ERR protocol error: "+err.Error())
			_ = w.Flush()
			return
		}

		quit := s.dispatch(w, args)

		if err := w.Flush(); err != nil {
			s.log.Debugw("write reply", "remote", conn.RemoteAddr(), "error", err)
			return
		}
		if quit {
			return
		}
	}
}

// dispatch executes one command and writes its reply. It reports
// whether the connection should close (QUIT).
func (s *server) dispatch(w *bufio.Writer, args []string) bool {
	cmd := strings.ToUpper(args[0])

	switch cmd {
	case "PING":
		// PING replies PONG, PING <msg> echoes the message
		switch len(args) {
		case 1:
			writeSimpleString(w, "PONG")
		case 2:
			writeBulkString(w, args[1])
		default:
			writeWrongArgs(w, cmd)
		}

	case "SET":
		if len(args) != 3 {
			writeWrongArgs(w, cmd)
			return false
		}
		if err := s.db.Set(args[1], args[2]); err != nil {
			s.log.Errorw("set", "key", args[1], "error", err)
			writeError(w, "ERR "+err.Error())
			return false
		}
		writeSimpleString(w, "OK")

	case "GET":
		if len(args) != 2 {
			writeWrongArgs(w, cmd)
			return false
		}
		val, err := s.db.Get(args[1])
		switch {
		case errors.Is(err, core.ErrKeyNotFound):
			writeNull(w)
		case err != nil:
			s.log.Errorw("get", "key", args[1], "error", err)
			writeError(w, "ERR "+err.Error())
		default:
			writeBulkString(w, val)
		}

	case "DEL":
		// DEL takes one or more keys and replies with how many existed
		if len(args) < 2 {
			writeWrongArgs(w, cmd)
			return false
		}
		var removed int
		for _, key := range args[1:] {
			existed, err := s.db.Delete(key)
			if err != nil {
				s.log.Errorw("del", "key", key, "error", err)
				writeError(w, "ERR "+err.Error())
				return false
			}
			if existed {
				removed++
			}
		}
		writeInteger(w, removed)

	case "EXISTS":
		// EXISTS takes one or more keys and replies with how many are present
		if len(args) < 2 {
			writeWrongArgs(w, cmd)
			return false
		}
		var found int
		for _, key := range args[1:] {
			_, err := s.db.Get(key)
			switch {
			case errors.Is(err, core.ErrKeyNotFound):
			case err != nil:
				s.log.Errorw("exists", "key", key, "error", err)
				writeError(w, "ERR "+err.Error())
				return false
			default:
				found++
			}
		}
		writeInteger(w, found)

	case "DBSIZE":
		if len(args) != 1 {
			writeWrongArgs(w, cmd)
			return false
		}
		writeInteger(w, s.db.KeyCount())

	case "QUIT":
		writeSimpleString(w, "OK")
		return true

	default:
		writeError(w, fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}

	return false
}

// readCommand reads one RESP command array:
//
//	SET key value → *3\r\n$3\r\nSET\r\n$3\r\nkey\r\n$5\r\nvalue\r\n
func readCommand(r *bufio.Reader) ([]string, error) {
	n, err := readHeader(r, '*')
	if err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, fmt.Errorf("empty command array")
	}

	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

// readHeader reads a "<prefix><count>\r\n" type line and returns the count.
func readHeader(r *bufio.Reader, prefix byte) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}

	line = strings.TrimRight(line, "\r\n")
	if len(line) == 0 || line[0] != prefix {
		return 0, fmt.Errorf("expected %q line, got %q", prefix, line)
	}

	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return 0, fmt.Errorf("bad length in %q: %v", line, err)
	}
	return n, nil
}

func readBulkString(r *bufio.Reader) (string, error) {
	n, err := readHeader(r, '$')
	if err != nil {
		return "", err
	}

	// RESP encodes null as $-1 with no payload line
	if n == -1 {
		return "", nil
	}
	if n < 0 {
		return "", fmt.Errorf("negative bulk length %d", n)
	}

	buf := make([]byte, n+2) // payload plus \r\n
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	if buf[n] != '\r' || buf[n+1] != '\n' {
		return "", fmt.Errorf("bulk string missing CRLF terminator")
	}
	return string(buf[:n]), nil
}

// RESP reply writers.

func writeSimpleString(w *bufio.Writer, s string) {
	fmt.Fprintf(w, "+%s\r\n", s)
}

func writeBulkString(w *bufio.Writer, s string) {
	fmt.Fprintf(w, "$%d\r\n%s\r\n", len(s), s)
}

func writeInteger(w *bufio.Writer, n int) {
	fmt.Fprintf(w, ":%d\r\n", n)
}

func writeNull(w *bufio.Writer) {
	w.WriteString("$-1\r\n") // nolint:errcheck
}

func writeError(w *bufio.Writer, msg string) {
	fmt.Fprintf(w, "-%s\r\n", msg)
}

func writeWrongArgs(w *bufio.Writer, cmd string) {
	writeError(w, fmt.Sprintf("ERR wrong number of arguments for '%s' command", cmd))
}
