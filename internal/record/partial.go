package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Keys managed by the record store. Any other key is carried through
// untouched.
const (
	KeyAddress    = "address"
	KeyUnitNumber = "unitNumber"
)

// Record is a stored JSON object with open-ended keys. Numbers are kept as
// json.Number so that they survive a round trip unchanged.
type Record map[string]any

// Optional is a field of a partial update. Set distinguishes a field that
// was sent (even as null or "") from one that was not.
type Optional struct {
	Set   bool
	Value any
}

// Some returns a present Optional holding v.
func Some(v any) Optional {
	return Optional{Set: true, Value: v}
}

// Partial is an update to the recognized keys of a Record.
type Partial struct {
	Address    Optional
	UnitNumber Optional
}

// Empty reports whether the update names none of the recognized keys.
func (p Partial) Empty() bool {
	return !p.Address.Set && !p.UnitNumber.Set
}

// Apply writes every present field of p into r.
func (p Partial) Apply(r Record) {
	if p.Address.Set {
		r[KeyAddress] = p.Address.Value
	}
	if p.UnitNumber.Set {
		r[KeyUnitNumber] = p.UnitNumber.Value
	}
}

// ParsePartial decodes a request body into a Partial, recording which keys
// were present. Keys other than the recognized ones are ignored. A body
// that is not a JSON object is an error.
func ParsePartial(body []byte) (Partial, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return Partial{}, fmt.Errorf("invalid JSON body: %w", err)
	}
	if raw == nil {
		return Partial{}, fmt.Errorf("invalid JSON body: expected an object")
	}

	var p Partial
	var err error
	if v, ok := raw[KeyAddress]; ok {
		if p.Address, err = decodeField(v); err != nil {
			return Partial{}, err
		}
	}
	if v, ok := raw[KeyUnitNumber]; ok {
		if p.UnitNumber, err = decodeField(v); err != nil {
			return Partial{}, err
		}
	}
	return p, nil
}

func decodeField(raw json.RawMessage) (Optional, error) {
	v, err := decodeValue(raw)
	if err != nil {
		return Optional{}, fmt.Errorf("invalid JSON body: %w", err)
	}
	return Some(v), nil
}

// decodeValue decodes a single JSON value keeping numbers as json.Number.
func decodeValue(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after JSON value")
	}
	return v, nil
}
