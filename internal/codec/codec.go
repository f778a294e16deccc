// Package codec encodes the snapshot batch published on the exchange_rate
// channel. The default wire form is base64(gzip(JSON {"results": [...]}));
// the protowire form trades readability for size.
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/alanyoungcy/karbit/internal/domain"
)

// Codec names accepted by New.
const (
	NameJSON      = "json"
	NameProtowire = "protowire"
)

// Codec converts a snapshot batch to and from a pub/sub payload.
type Codec interface {
	Name() string
	Encode(snaps []domain.ArbitrageSnapshot) ([]byte, error)
	Decode(payload []byte) ([]domain.ArbitrageSnapshot, error)
}

// New returns the codec registered under name. An empty name selects JSON.
func New(name string) (Codec, error) {
	switch name {
	case "", NameJSON:
		return JSON{}, nil
	case NameProtowire:
		return Protowire{}, nil
	}
	return nil, fmt.Errorf("codec: unknown codec %q", name)
}

// envelope is the JSON body of one publish.
type envelope struct {
	Results []domain.ArbitrageSnapshot `json:"results"`
}

// JSON is the default codec.
type JSON struct{}

// Name implements Codec.
func (JSON) Name() string { return NameJSON }

// Encode implements Codec.
func (JSON) Encode(snaps []domain.ArbitrageSnapshot) ([]byte, error) {
	if snaps == nil {
		snaps = []domain.ArbitrageSnapshot{}
	}
	raw, err := json.Marshal(envelope{Results: snaps})
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	zipped, err := gzipBytes(raw)
	if err != nil {
		return nil, err
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(zipped)))
	base64.StdEncoding.Encode(out, zipped)
	return out, nil
}

// Decode implements Codec.
func (JSON) Decode(payload []byte) ([]domain.ArbitrageSnapshot, error) {
	zipped := make([]byte, base64.StdEncoding.DecodedLen(len(payload)))
	n, err := base64.StdEncoding.Decode(zipped, payload)
	if err != nil {
		return nil, fmt.Errorf("codec: base64: %w", err)
	}
	raw, err := gunzipBytes(zipped[:n])
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("codec: unmarshal: %w", err)
	}
	return env.Results, nil
}

func gzipBytes(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("codec: gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("codec: gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func gunzipBytes(zipped []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(zipped))
	if err != nil {
		return nil, fmt.Errorf("codec: gunzip: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("codec: gunzip: %w", err)
	}
	return raw, nil
}
