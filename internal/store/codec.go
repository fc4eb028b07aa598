package store

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hyperjump/kagami/internal/models"
)

const metadataVersion = 1

// metadataFile is the persisted metadata log. IndexDigest binds it to the
// index file written in the same commit.
type metadataFile struct {
	Version     int                  `msgpack:"v"`
	Generation  string               `msgpack:"gen"`
	Dimensions  int                  `msgpack:"dim"`
	Count       int                  `msgpack:"count"`
	IndexDigest uint64               `msgpack:"digest"`
	Records     []models.VideoRecord `msgpack:"records"`
}

func encodeMetadata(m *metadataFile) ([]byte, error) {
	b, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}

func decodeMetadata(b []byte) (*metadataFile, error) {
	var m metadataFile
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if m.Version != metadataVersion {
		return nil, fmt.Errorf("decode metadata: unsupported version %d", m.Version)
	}
	return &m, nil
}

func digest(indexBytes []byte) uint64 {
	return xxhash.Sum64(indexBytes)
}
