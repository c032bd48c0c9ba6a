package eventledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// timestampLayout fixes timestamps at millisecond precision in UTC. Every store
// must round-trip a timestamp at this precision exactly.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// HashBytes returns the lowercase hex SHA-256 digest of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Canonicalize returns the RFC 8785 canonical form of a JSON document:
// sorted object keys, no insignificant whitespace, ECMAScript number formatting.
// Numbers whose value would change under that formatting are rejected rather
// than rewritten.
func Canonicalize(doc []byte) ([]byte, error) {
	if !json.Valid(doc) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrInvalidEventData)
	}
	if err := checkNumbers(doc); err != nil {
		return nil, err
	}
	out, err := jcs.Transform(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEventData, err)
	}
	return out, nil
}

// checkNumbers fails if any number in doc is not exactly the value of its
// nearest float64.
func checkNumbers(doc []byte) error {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEventData, err)
		}
		n, ok := tok.(json.Number)
		if !ok {
			continue
		}
		if !exactFloat64(n.String()) {
			return fmt.Errorf("%w: number %s is not exactly representable as a float64", ErrInvalidEventData, n)
		}
	}
}

func exactFloat64(lit string) bool {
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return false
	}
	if f == 0 {
		// Underflow parses as zero; only a literal zero may.
		mantissa, _, _ := strings.Cut(strings.ToLower(lit), "e")
		return strings.Trim(mantissa, "-0.") == ""
	}
	want, ok := new(big.Rat).SetString(lit)
	if !ok {
		return false
	}
	got, ok := new(big.Rat).SetString(strconv.FormatFloat(f, 'g', -1, 64))
	return ok && want.Cmp(got) == 0
}

// MarshalEventData serialises v and canonicalises the result. It is a
// convenience for callers holding structured payloads.
func MarshalEventData(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEventData, err)
	}
	return Canonicalize(raw)
}

// hashDocument marshals v, canonicalises it and hashes the canonical bytes.
func hashDocument(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal hash input: %w", err)
	}
	canonical, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}
	return HashBytes(canonical), nil
}

// FormatTimestamp renders t the way it enters a hash.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// normalizeTimestamp truncates t to the precision that enters a hash.
func normalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
