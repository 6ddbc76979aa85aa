// Package node exposes the character nodes of a chardev.Table on unix
// sockets, one socket per node, so that ordinary processes can open and read
// them.
//
// Wire format, all integers little-endian:
//
//	client: uint32 open flags
//	server: int32  status (0 or -errno)
//	client: uint32 capacity          } repeated
//	server: int32  count or -errno   }
//	        count bytes of data      }
//
// Closing the connection releases the file.
package node

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"accelnode/chardev"
	"accelnode/errno"
)

// MaxRead caps the capacity of a single read request.
const MaxRead = 64 * 1024

// SocketPath returns where the node called name is served.
func SocketPath(dir, name string) string {
	return filepath.Join(dir, name+".sock")
}

type listener struct {
	reg *chardev.Registration
	ln  net.Listener
}

// Server mirrors the nodes of a table as sockets in a directory.
type Server struct {
	table *chardev.Table
	dir   string
	log   *log.Entry

	mu        sync.Mutex
	listeners map[string]*listener
	wg        sync.WaitGroup
}

func NewServer(table *chardev.Table, dir string, logger *log.Entry) *Server {
	if logger == nil {
		logger = log.WithField("component", "node")
	}
	return &Server{
		table:     table,
		dir:       dir,
		log:       logger,
		listeners: make(map[string]*listener),
	}
}

// Serve keeps the sockets in step with the table until ctx is done, then
// closes every listener and connection.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	for {
		changed := s.table.Changed()
		s.reconcile(ctx)

		select {
		case <-ctx.Done():
			s.closeAll()
			s.wg.Wait()
			return nil
		case <-changed:
		}
	}
}

func (s *Server) reconcile(ctx context.Context) {
	want := make(map[string]*chardev.Registration)
	for _, reg := range s.table.Nodes() {
		want[reg.Name()] = reg
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for name, l := range s.listeners {
		if want[name] != l.reg {
			s.stop(name, l)
		}
	}
	for name, reg := range want {
		if _, ok := s.listeners[name]; ok {
			continue
		}
		if err := s.start(ctx, reg); err != nil {
			s.log.WithError(err).WithField("node", name).Error("failed to expose node")
		}
	}
}

// start must be called with s.mu held.
func (s *Server) start(ctx context.Context, reg *chardev.Registration) error {
	path := SocketPath(s.dir, reg.Name())
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.listeners[reg.Name()] = &listener{reg: reg, ln: ln}
	s.log.WithField("path", path).Info("node exposed")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.accept(ctx, reg, ln)
	}()
	return nil
}

// stop must be called with s.mu held.
func (s *Server) stop(name string, l *listener) {
	l.ln.Close()
	delete(s.listeners, name)
	s.log.WithField("node", name).Info("node withdrawn")
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, l := range s.listeners {
		s.stop(name, l)
	}
}

func (s *Server) accept(ctx context.Context, reg *chardev.Registration, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.WithError(err).Warn("accept failed")
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, reg, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, reg *chardev.Registration, conn net.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	var flags uint32
	if err := binary.Read(conn, binary.LittleEndian, &flags); err != nil {
		return
	}

	f, err := reg.Open(int(flags))
	if werr := binary.Write(conn, binary.LittleEndian, int32(errno.Code(err))); werr != nil || err != nil {
		if err != nil {
			s.log.WithError(err).WithField("node", reg.Name()).Debug("open refused")
		}
		return
	}
	logger := s.log.WithFields(log.Fields{"node": reg.Name(), "file": f.String()})
	logger.Debug("opened")
	defer func() {
		reg.Release(f)
		logger.Debug("released")
	}()

	for {
		var capacity uint32
		if err := binary.Read(conn, binary.LittleEndian, &capacity); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.WithError(err).Debug("connection dropped")
			}
			return
		}
		if capacity > MaxRead {
			if err := binary.Write(conn, binary.LittleEndian, -int32(unix.EINVAL)); err != nil {
				return
			}
			continue
		}

		buf := make([]byte, capacity)
		n, err := reg.Read(ctx, f, buf)
		if err != nil {
			if n == 0 {
				if werr := binary.Write(conn, binary.LittleEndian, int32(errno.Code(err))); werr != nil {
					return
				}
				continue
			}
			// Partial data wins over the error, like read(2).
			logger.WithError(err).Warn("read failed after partial transfer")
		}
		if err := binary.Write(conn, binary.LittleEndian, int32(n)); err != nil {
			return
		}
		if _, err := conn.Write(buf[:n]); err != nil {
			return
		}
	}
}
