package protocol

import (
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"

	"kiln/internal/codec"
)

// DaemonContext describes the settings a daemon was started with. A client
// only reuses a daemon whose context is compatible with its own.
type DaemonContext struct {
	BuildProgram string            `cbor:"build_program" json:"build_program" yaml:"build_program"`
	Platform     string            `cbor:"platform" json:"platform" yaml:"platform"`
	Version      string            `cbor:"version" json:"version" yaml:"version"`
	Properties   map[string]string `cbor:"properties,omitempty" json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Fingerprint returns the hex BLAKE3-256 digest of the context's
// deterministic CBOR encoding.
func (c DaemonContext) Fingerprint() string {
	data, err := codec.Marshal(c)
	if err != nil {
		// Strings and string maps always encode.
		panic("protocol: encode daemon context: " + err.Error())
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Compatible reports whether a daemon started with c can serve a client that
// requested the given context. The reason names the first mismatch.
func (c DaemonContext) Compatible(requested DaemonContext) (bool, string) {
	switch {
	case c.BuildProgram != requested.BuildProgram:
		return false, fmt.Sprintf("build program %q differs from requested %q", c.BuildProgram, requested.BuildProgram)
	case c.Platform != requested.Platform:
		return false, fmt.Sprintf("platform %q differs from requested %q", c.Platform, requested.Platform)
	case c.Version != requested.Version:
		return false, fmt.Sprintf("version %q differs from requested %q", c.Version, requested.Version)
	}
	keys := make([]string, 0, len(requested.Properties))
	for key := range requested.Properties {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		have, ok := c.Properties[key]
		if !ok {
			return false, fmt.Sprintf("property %q is not set on daemon", key)
		}
		if have != requested.Properties[key] {
			return false, fmt.Sprintf("property %q is %q, requested %q", key, have, requested.Properties[key])
		}
	}
	return true, ""
}
