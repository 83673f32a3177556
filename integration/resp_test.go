package integration_test

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// respConn is a minimal RESP client for driving the front end the way
// redis-cli would.
type respConn struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dialRESP() *respConn {
	conn, err := net.Dial("tcp", respAddr)
	Expect(err).ToNot(HaveOccurred())
	return &respConn{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *respConn) close() {
	Expect(c.conn.Close()).To(Succeed())
}

// call sends one command as an array of bulk strings and returns the
// reply: "+..." / ":N" / "-ERR ..." verbatim, bulk payloads decoded,
// nulls as "(nil)".
func (c *respConn) call(args ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%d\r\n", len(args))
	for _, a := range args {
		fmt.Fprintf(&b, "$%d\r\n%s\r\n", len(a), a)
	}
	_, err := c.conn.Write([]byte(b.String()))
	Expect(err).ToNot(HaveOccurred())

	line, err := c.reader.ReadString('\n')
	Expect(err).ToNot(HaveOccurred())
	line = strings.TrimRight(line, "\r\n")

	if strings.HasPrefix(line, "$") {
		n, err := strconv.Atoi(line[1:])
		Expect(err).ToNot(HaveOccurred())
		if n == -1 {
			return "(nil)"
		}
		buf := make([]byte, n+2)
		_, err = io.ReadFull(c.reader, buf)
		Expect(err).ToNot(HaveOccurred())
		return string(buf[:n])
	}
	return line
}

var _ = Describe("Redis protocol front end", func() {
	It("Should answer PING and echo a message", func() {
		c := dialRESP()
		defer c.close()

		Expect(c.call("PING")).To(Equal("+PONG"))
		Expect(c.call("PING", "hello")).To(Equal("hello"))
	})

	It("Should store and fetch values", func() {
		c := dialRESP()
		defer c.close()

		Expect(c.call("SET", "resp:greeting", "hello")).To(Equal("+OK"))
		Expect(c.call("GET", "resp:greeting")).To(Equal("hello"))
		Expect(c.call("GET", "resp:no-such-key")).To(Equal("(nil)"))
	})

	It("Should count existing keys on variadic DEL and EXISTS", func() {
		c := dialRESP()
		defer c.close()

		Expect(c.call("SET", "resp:d1", "x")).To(Equal("+OK"))
		Expect(c.call("SET", "resp:d2", "y")).To(Equal("+OK"))

		Expect(c.call("EXISTS", "resp:d1", "resp:d2", "resp:d3")).To(Equal(":2"))
		Expect(c.call("DEL", "resp:d1", "resp:d2", "resp:d3")).To(Equal(":2"))
		Expect(c.call("EXISTS", "resp:d1")).To(Equal(":0"))
		Expect(c.call("DEL", "resp:d1")).To(Equal(":0"))
	})

	It("Should report the key count on DBSIZE", func() {
		c := dialRESP()
		defer c.close()

		Expect(c.call("SET", "resp:sized", "v")).To(Equal("+OK"))

		reply := c.call("DBSIZE")
		Expect(reply).To(HavePrefix(":"))
		n, err := strconv.Atoi(reply[1:])
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(BeNumerically(">=", 1))
	})

	It("Should reject malformed commands", func() {
		c := dialRESP()
		defer c.close()

		Expect(c.call("SET", "only-a-key")).To(HavePrefix("-ERR wrong number of arguments"))
		Expect(c.call("NOSUCH")).To(HavePrefix("-ERR unknown command"))
	})

	It("Should close the connection on QUIT", func() {
		c := dialRESP()
		defer c.close()

		Expect(c.call("QUIT")).To(Equal("+OK"))

		_, err := c.reader.ReadByte()
		Expect(err).To(Equal(io.EOF))
	})
})
