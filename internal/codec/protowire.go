package codec

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/alanyoungcy/karbit/internal/domain"
)

// Field numbers. The layout is
//
//	Results  { repeated Snapshot results = 1; }
//	Snapshot { uint32 home = 1; uint32 foreign = 2; string asset = 3;
//	           int64 computed_at_ms = 4; repeated Quote quotes = 5; }
//	Quote    { string notional = 1; string entry_rate = 2; string exit_rate = 3; }
//
// Decimals travel as strings so no precision is lost. An absent rate field
// decodes to a nil rate.
const (
	fieldResults = 1

	fieldHome       = 1
	fieldForeign    = 2
	fieldAsset      = 3
	fieldComputedAt = 4
	fieldQuotes     = 5

	fieldNotional  = 1
	fieldEntryRate = 2
	fieldExitRate  = 3
)

// Protowire is the compact codec. Payloads are gzip-compressed but not
// base64 wrapped; Redis channels carry binary.
type Protowire struct{}

// Name implements Codec.
func (Protowire) Name() string { return NameProtowire }

// Encode implements Codec.
func (Protowire) Encode(snaps []domain.ArbitrageSnapshot) ([]byte, error) {
	var b []byte
	for _, s := range snaps {
		b = protowire.AppendTag(b, fieldResults, protowire.BytesType)
		b = protowire.AppendBytes(b, appendSnapshot(nil, s))
	}
	return gzipBytes(b)
}

func appendSnapshot(b []byte, s domain.ArbitrageSnapshot) []byte {
	b = protowire.AppendTag(b, fieldHome, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.HomeExchange))
	b = protowire.AppendTag(b, fieldForeign, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.ForeignExchange))
	b = protowire.AppendTag(b, fieldAsset, protowire.BytesType)
	b = protowire.AppendString(b, s.Asset)
	b = protowire.AppendTag(b, fieldComputedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.ComputedAt.UnixMilli()))
	for _, q := range s.Quotes {
		b = protowire.AppendTag(b, fieldQuotes, protowire.BytesType)
		b = protowire.AppendBytes(b, appendQuote(nil, q))
	}
	return b
}

func appendQuote(b []byte, q domain.RateQuote) []byte {
	b = protowire.AppendTag(b, fieldNotional, protowire.BytesType)
	b = protowire.AppendString(b, q.NotionalHome.String())
	if q.EntryRate != nil {
		b = protowire.AppendTag(b, fieldEntryRate, protowire.BytesType)
		b = protowire.AppendString(b, q.EntryRate.String())
	}
	if q.ExitRate != nil {
		b = protowire.AppendTag(b, fieldExitRate, protowire.BytesType)
		b = protowire.AppendString(b, q.ExitRate.String())
	}
	return b
}

// Decode implements Codec.
func (Protowire) Decode(payload []byte) ([]domain.ArbitrageSnapshot, error) {
	b, err := gunzipBytes(payload)
	if err != nil {
		return nil, err
	}
	var out []domain.ArbitrageSnapshot
	err = walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num != fieldResults || typ != protowire.BytesType {
			return nil
		}
		s, err := decodeSnapshot(v)
		if err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("codec: protowire: %w", err)
	}
	return out, nil
}

func decodeSnapshot(b []byte) (domain.ArbitrageSnapshot, error) {
	var s domain.ArbitrageSnapshot
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case num == fieldHome && typ == protowire.VarintType:
			s.HomeExchange = domain.Venue(n)
		case num == fieldForeign && typ == protowire.VarintType:
			s.ForeignExchange = domain.Venue(n)
		case num == fieldAsset && typ == protowire.BytesType:
			s.Asset = string(v)
		case num == fieldComputedAt && typ == protowire.VarintType:
			s.ComputedAt = time.UnixMilli(int64(n)).UTC()
		case num == fieldQuotes && typ == protowire.BytesType:
			q, err := decodeQuote(v)
			if err != nil {
				return err
			}
			s.Quotes = append(s.Quotes, q)
		}
		return nil
	})
	// Quotes may precede the identifying fields on the wire.
	for i := range s.Quotes {
		s.Quotes[i].HomeExchange = s.HomeExchange
		s.Quotes[i].ForeignExchange = s.ForeignExchange
		s.Quotes[i].Asset = s.Asset
	}
	return s, err
}

func decodeQuote(b []byte) (domain.RateQuote, error) {
	var q domain.RateQuote
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldNotional, fieldEntryRate, fieldExitRate:
		default:
			return nil
		}
		d, err := decimal.NewFromString(string(v))
		if err != nil {
			return err
		}
		switch num {
		case fieldNotional:
			q.NotionalHome = d
		case fieldEntryRate:
			q.EntryRate = &d
		case fieldExitRate:
			q.ExitRate = &d
		}
		return nil
	})
	return q, err
}

var errMalformed = errors.New("malformed message")

// walkFields calls fn for every field in b. For bytes fields v holds the
// payload; for varint fields n holds the value. Unknown wire types are
// skipped.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return fmt.Errorf("%w: %w", errMalformed, protowire.ParseError(tagLen))
		}
		b = b[tagLen:]

		switch typ {
		case protowire.VarintType:
			n, l := protowire.ConsumeVarint(b)
			if l < 0 {
				return fmt.Errorf("%w: %w", errMalformed, protowire.ParseError(l))
			}
			if err := fn(num, typ, nil, n); err != nil {
				return err
			}
			b = b[l:]
		case protowire.BytesType:
			v, l := protowire.ConsumeBytes(b)
			if l < 0 {
				return fmt.Errorf("%w: %w", errMalformed, protowire.ParseError(l))
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			b = b[l:]
		default:
			l := protowire.ConsumeFieldValue(num, typ, b)
			if l < 0 {
				return fmt.Errorf("%w: %w", errMalformed, protowire.ParseError(l))
			}
			b = b[l:]
		}
	}
	return nil
}
