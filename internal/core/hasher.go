package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
	"strconv"
)

// LayerKey is the content address of a layer.
type LayerKey string

// String returns the hex form of the key.
func (k LayerKey) String() string { return string(k) }

// Short returns the first 12 hex characters, for display.
func (k LayerKey) Short() string {
	if len(k) <= 12 {
		return string(k)
	}
	return string(k[:12])
}

// keyVersion is mixed into every key so a change in layer encoding
// invalidates caches written by older binaries.
const keyVersion = "voxprov-layer-v1"

// LayerKeyInput holds every component of a layer's identity.
type LayerKeyInput struct {
	// Parent is the key of the previous layer; empty for the first step.
	Parent LayerKey

	Step    Step
	Env     map[string]string
	Workdir string

	// Inputs is the resolved COPY input set (already sorted); nil for other ops.
	Inputs *InputSet
}

// LayerHasher computes LayerKeys. The zero value is ready to use.
type LayerHasher struct{}

// NewLayerHasher creates a LayerHasher.
func NewLayerHasher() *LayerHasher {
	return &LayerHasher{}
}

// ComputeKey hashes the components in a fixed order. Every field is length
// prefixed with an 8-byte big-endian length so that no two distinct inputs
// share an encoding.
func (h *LayerHasher) ComputeKey(in LayerKeyInput) LayerKey {
	hw := sha256.New()
	w := fieldWriter{h: hw}

	w.string(keyVersion)
	w.string(string(in.Parent))

	def := in.Step.definitionFields()
	w.count(len(def))
	for _, f := range def {
		w.string(f)
	}

	keys := make([]string, 0, len(in.Env))
	for k := range in.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.count(len(keys))
	for _, k := range keys {
		w.string(k)
		w.string(in.Env[k])
	}

	w.string(in.Workdir)

	w.count(in.Inputs.Len())
	if in.Inputs != nil {
		for _, inp := range in.Inputs.Inputs {
			w.string(inp.Path)
			w.string(inp.Target)
			w.string(strconv.FormatUint(uint64(inp.Mode), 8))
			w.bytes(inp.Content)
		}
	}

	return LayerKey(hex.EncodeToString(hw.Sum(nil)))
}

type fieldWriter struct {
	h hash.Hash
}

func (w fieldWriter) bytes(b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	w.h.Write(n[:])
	w.h.Write(b)
}

func (w fieldWriter) string(s string) { w.bytes([]byte(s)) }

func (w fieldWriter) count(n int) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	w.bytes(b[:])
}

// sha256Hex returns the hex sha256 of data.
func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
