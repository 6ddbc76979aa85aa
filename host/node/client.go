package node

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"accelnode/errno"
)

// Conn is an open node.
type Conn struct {
	c net.Conn
}

// Dial opens the node served at path with the given open(2) flags.
func Dial(ctx context.Context, path string, flags int) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}

	if err := binary.Write(c, binary.LittleEndian, uint32(flags)); err != nil {
		c.Close()
		return nil, errno.AsIO("send open", err)
	}
	var status int32
	if err := binary.Read(c, binary.LittleEndian, &status); err != nil {
		c.Close()
		return nil, errno.AsIO("receive open status", err)
	}
	if status < 0 {
		c.Close()
		return nil, errno.FromCode("open "+path, int(status))
	}
	return &Conn{c: c}, nil
}

// Read requests up to len(p) bytes. Like the node itself it returns whole
// samples only and fails with ErrInvalidArgument below one sample.
func (c *Conn) Read(p []byte) (int, error) {
	if err := binary.Write(c.c, binary.LittleEndian, uint32(len(p))); err != nil {
		return 0, errno.AsIO("send read", err)
	}
	var count int32
	if err := binary.Read(c.c, binary.LittleEndian, &count); err != nil {
		if err == io.EOF {
			return 0, io.EOF
		}
		return 0, errno.AsIO("receive read count", err)
	}
	if count < 0 {
		return 0, errno.FromCode("read", int(count))
	}
	if int(count) > len(p) {
		return 0, fmt.Errorf("server sent %d bytes for %d: %w", count, len(p), errno.ErrInvalidData)
	}
	n, err := io.ReadFull(c.c, p[:count])
	if err != nil {
		return n, errno.AsIO("receive read data", err)
	}
	return n, nil
}

// Close releases the file.
func (c *Conn) Close() error {
	return c.c.Close()
}
