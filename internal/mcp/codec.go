package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// framing is how a message was delimited on the wire. Replies use the
// framing of the request they answer.
type framing int

const (
	framingHeader framing = iota
	framingLine
)

const contentLengthHeader = "content-length"

// codec reads and writes JSON-RPC messages over one stdio pair. Clients
// may send LSP-style Content-Length frames or newline-delimited JSON.
type codec struct {
	r *bufio.Reader
	w *bufio.Writer
}

func newCodec(in io.Reader, out io.Writer) *codec {
	return &codec{r: bufio.NewReader(in), w: bufio.NewWriter(out)}
}

// Read returns the next message payload. io.EOF means the peer hung up.
func (c *codec) Read() ([]byte, framing, error) {
	if err := c.skipBlank(); err != nil {
		return nil, framingLine, err
	}
	peek, err := c.r.Peek(len(contentLengthHeader))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, framingLine, err
	}
	if strings.EqualFold(string(peek), contentLengthHeader) {
		payload, err := c.readFrame()
		return payload, framingHeader, err
	}
	payload, err := c.readLine()
	return payload, framingLine, err
}

func (c *codec) skipBlank() error {
	for {
		b, err := c.r.Peek(1)
		if err != nil {
			return err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			_, _ = c.r.ReadByte()
		default:
			return nil
		}
	}
}

func (c *codec) readLine() ([]byte, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, io.EOF
	}
	return line, nil
}

func (c *codec) readFrame() ([]byte, error) {
	length := -1
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), contentLengthHeader) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid Content-Length %q", strings.TrimSpace(value))
		}
		length = n
	}
	if length < 0 {
		return nil, errors.New("frame without Content-Length")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return buf, nil
}

// Write encodes msg with the given framing and flushes it.
func (c *codec) Write(msg response, f framing) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if f == framingHeader {
		if _, err := fmt.Fprintf(c.w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
			return err
		}
		if _, err := c.w.Write(payload); err != nil {
			return err
		}
	} else {
		if _, err := c.w.Write(payload); err != nil {
			return err
		}
		if err := c.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return c.w.Flush()
}
