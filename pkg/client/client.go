// Package client is a programmatic client for the box protocol.
//
// A Client owns one connection and issues one command at a time; it is not
// safe for concurrent use. The framing must match the server's.
package client

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/marmos91/dittobox/internal/protocol/box"
)

// Options configures Dial.
type Options struct {
	// Framing must match the server: "sentinel" (default) or "length".
	Framing string

	// Timeout bounds each command round trip. 0 means no timeout.
	Timeout time.Duration
}

// Client is a connected box protocol client.
type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	framer  box.Framer
	timeout time.Duration
}

// Dial connects to a box server at addr.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	framer, err := box.NewFramer(opts.Framing)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := NewClient(conn, framer)
	c.timeout = opts.Timeout
	return c, nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, framer box.Framer) *Client {
	return &Client{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		framer: framer,
	}
}

// Signup registers a new account. It does not log in.
func (c *Client) Signup(username, password string) error {
	return c.simple(box.VerbSignup, username, password)
}

// Login authenticates the connection.
func (c *Client) Login(username, password string) error {
	return c.simple(box.VerbLogin, username, password)
}

// Upload stores data under name.
func (c *Client) Upload(name string, data []byte) error {
	return c.UploadReader(name, bytes.NewReader(data), int64(len(data)))
}

// UploadFile stores the local file at path under name.
func (c *Client) UploadFile(name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return c.UploadReader(name, f, info.Size())
}

// UploadReader stores size bytes read from src under name.
func (c *Client) UploadReader(name string, src io.Reader, size int64) error {
	c.arm()
	if err := c.writeLine(box.VerbUpload, name); err != nil {
		return err
	}
	if err := c.framer.WriteUpload(c.writer, src, size); err != nil {
		return fmt.Errorf("send payload: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}
	return box.ReadReply(c.reader)
}

// Download fetches the content stored under name.
func (c *Client) Download(name string) ([]byte, error) {
	c.arm()
	if err := c.send(box.VerbDownload, name); err != nil {
		return nil, err
	}
	return c.framer.ReadDownload(c.reader)
}

// Delete removes the file stored under name.
func (c *Client) Delete(name string) error {
	return c.simple(box.VerbDelete, name)
}

// List returns the storage report: a "Storage used: N bytes" line followed
// by one "name (size bytes)" line per file.
func (c *Client) List() (string, error) {
	c.arm()
	if err := c.send(box.VerbList); err != nil {
		return "", err
	}
	return c.framer.ReadList(c.reader)
}

// Raw sends an arbitrary command line and reads a one-line reply.
func (c *Client) Raw(line string) error {
	c.arm()
	if _, err := c.writer.WriteString(line + "\n"); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}
	return box.ReadReply(c.reader)
}

// Quit ends the session and closes the connection.
func (c *Client) Quit() error {
	err := c.send(box.VerbQuit)
	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close closes the connection without sending QUIT.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) simple(verb string, args ...string) error {
	c.arm()
	if err := c.send(verb, args...); err != nil {
		return err
	}
	return box.ReadReply(c.reader)
}

func (c *Client) send(verb string, args ...string) error {
	if err := c.writeLine(verb, args...); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *Client) writeLine(verb string, args ...string) error {
	line := verb
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}
	_, err := c.writer.WriteString(line + "\n")
	return err
}

// arm sets the deadline for the next round trip.
func (c *Client) arm() {
	if c.timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
}
