package mcu

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// Dictionary is the data dictionary a firmware reports through identify.
// Commands and responses map a message format such as
// "i2c_read oid=%c reg=%*s read_len=%u" to its id.
type Dictionary struct {
	Version       string                    `json:"version"`
	BuildVersions string                    `json:"build_versions"`
	Config        map[string]any            `json:"config"`
	Commands      map[string]int            `json:"commands"`
	Responses     map[string]int            `json:"responses"`
	Enumerations  map[string]map[string]int `json:"enumerations,omitempty"`
}

// ParseDictionary decodes raw identify data. Firmware usually sends it zlib
// compressed; plain JSON is accepted too.
func ParseDictionary(raw []byte) (*Dictionary, error) {
	data := raw
	if len(raw) >= 2 && raw[0] == 0x78 {
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("open compressed dictionary: %w", err)
		}
		defer zr.Close()
		if data, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("decompress dictionary: %w", err)
		}
	}

	d := &Dictionary{}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("unmarshal dictionary: %w", err)
	}
	return d, nil
}

// Encode returns the dictionary as firmware sends it.
func (d *Dictionary) Encode() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Command returns the id of the command called name.
func (d *Dictionary) Command(name string) (uint32, bool) {
	return lookup(d.Commands, name)
}

// Response returns the id of the response called name.
func (d *Dictionary) Response(name string) (uint32, bool) {
	return lookup(d.Responses, name)
}

func lookup(m map[string]int, name string) (uint32, bool) {
	for format, id := range m {
		if msgName(format) == name {
			return uint32(id), true
		}
	}
	return 0, false
}

func msgName(format string) string {
	name, _, _ := strings.Cut(format, " ")
	return name
}

// Summary writes a human readable overview of the dictionary.
func (d *Dictionary) Summary(w io.Writer) {
	fmt.Fprintf(w, "version: %s\n", d.Version)
	fmt.Fprintf(w, "build: %s\n", d.BuildVersions)

	keys := make([]string, 0, len(d.Config))
	for k := range d.Config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "config %s = %v\n", k, d.Config[k])
	}

	printFormats(w, "command", d.Commands)
	printFormats(w, "response", d.Responses)
	for name, values := range d.Enumerations {
		fmt.Fprintf(w, "enumeration %s: %d values\n", name, len(values))
	}
}

func printFormats(w io.Writer, kind string, m map[string]int) {
	type entry struct {
		id     int
		format string
	}
	entries := make([]entry, 0, len(m))
	for f, id := range m {
		entries = append(entries, entry{id, f})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
	for _, e := range entries {
		fmt.Fprintf(w, "%s [%d] %s\n", kind, e.id, e.format)
	}
}
