// Package mcu talks to Klipper protocol firmware: it fetches the data dictionary and
// sends commands by name.
package mcu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"

	"accelnode/protocol"
)

// The identify exchange has fixed ids so it works before the dictionary is
// known.
const (
	IdentifyResponseID = 0
	IdentifyID         = 1

	identifyChunk = 40
	identifyLimit = 1 << 20
)

var (
	ErrNoDictionary   = errors.New("dictionary not loaded")
	ErrUnknownCommand = errors.New("unknown command")
)

// MCU is a connection to one microcontroller.
type MCU struct {
	host *protocol.Host
	log  *log.Entry

	mu   sync.Mutex
	dict *Dictionary
	raw  []byte
}

func New(port io.ReadWriteCloser, logger *log.Entry) *MCU {
	if logger == nil {
		logger = log.WithField("component", "mcu")
	}
	return &MCU{
		host: protocol.NewHost(port, logger.WithField("layer", "transport")),
		log:  logger,
	}
}

// Transport exposes the link, mostly to tune its timeouts.
func (m *MCU) Transport() *protocol.Host { return m.host }

// Identify retrieves and parses the data dictionary.
func (m *MCU) Identify(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var raw bytes.Buffer
	for raw.Len() < identifyLimit {
		offset := uint32(raw.Len())
		args := protocol.AppendVLQUint(nil, offset)
		args = protocol.AppendVLQUint(args, identifyChunk)

		resp, err := m.query(ctx, IdentifyID, args, IdentifyResponseID, func(resp []byte) bool {
			got, err := protocol.DecodeVLQUint(&resp)
			return err == nil && got == offset
		})
		if err != nil {
			return fmt.Errorf("identify at offset %d: %w", offset, err)
		}
		if _, err := protocol.DecodeVLQUint(&resp); err != nil {
			return err
		}
		chunk, err := protocol.DecodeVLQBytes(&resp)
		if err != nil {
			return fmt.Errorf("decode identify data: %w", err)
		}
		raw.Write(chunk)
		if len(chunk) < identifyChunk {
			break
		}
	}

	dict, err := ParseDictionary(raw.Bytes())
	if err != nil {
		return err
	}
	m.raw = raw.Bytes()
	m.dict = dict
	m.log.WithFields(log.Fields{
		"version":   dict.Version,
		"bytes":     raw.Len(),
		"commands":  len(dict.Commands),
		"responses": len(dict.Responses),
	}).Info("dictionary retrieved")
	return nil
}

func (m *MCU) Dictionary() *Dictionary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dict
}

// RawDictionary returns the identify data as received.
func (m *MCU) RawDictionary() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.raw
}

// Send sends the command called name with encoded args.
func (m *MCU) Send(ctx context.Context, name string, args []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.command(name)
	if err != nil {
		return err
	}
	if err := m.host.SendCommand(ctx, id, args); err != nil {
		return fmt.Errorf("send %s: %w", name, err)
	}
	return nil
}

// Query sends a command and returns the arguments of the first response
// called response that match accepts. A nil match accepts any.
func (m *MCU) Query(ctx context.Context, name string, args []byte, response string, match func([]byte) bool) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.command(name)
	if err != nil {
		return nil, err
	}
	if m.dict == nil {
		return nil, ErrNoDictionary
	}
	respID, ok := m.dict.Response(response)
	if !ok {
		return nil, fmt.Errorf("%w: response %s", ErrUnknownCommand, response)
	}
	resp, err := m.query(ctx, id, args, respID, match)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return resp, nil
}

// command must be called with m.mu held.
func (m *MCU) command(name string) (uint32, error) {
	if m.dict == nil {
		return 0, ErrNoDictionary
	}
	id, ok := m.dict.Command(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return id, nil
}

// query must be called with m.mu held.
func (m *MCU) query(ctx context.Context, id uint32, args []byte, respID uint32, match func([]byte) bool) ([]byte, error) {
	m.host.Discard()
	if err := m.host.SendCommand(ctx, id, args); err != nil {
		return nil, err
	}
	for {
		msg, err := m.host.Receive(ctx)
		if err != nil {
			return nil, err
		}
		payload := msg.Payload
		got, err := protocol.DecodeVLQUint(&payload)
		if err != nil {
			m.log.WithError(err).Debug("undecodable response")
			continue
		}
		if got != respID || (match != nil && !match(payload)) {
			continue
		}
		return payload, nil
	}
}

// Close shuts the link down.
func (m *MCU) Close() error {
	return m.host.Close()
}
