package moq

import (
	"bytes"
	"fmt"
)

// Setup parameter keys.
const (
	ParamRole                  uint64 = 0x00 // even → varint value
	ParamPath                  uint64 = 0x01 // odd → length-prefixed byte string
	ParamMaxRequestID          uint64 = 0x02
	ParamAuthorizationToken    uint64 = 0x03 // odd → structured token
	ParamMaxAuthTokenCacheSize uint64 = 0x04
)

// Request parameter keys carried by SUBSCRIBE, PUBLISH and ANNOUNCE.
const (
	ParamDeliveryTimeout  uint64 = 0x02
	ParamMaxCacheDuration uint64 = 0x04
)

// Role values for the ROLE setup parameter.
const (
	RolePublisher  uint64 = 0x01
	RoleSubscriber uint64 = 0x02
	RolePubSub     uint64 = 0x03
)

// KeyValue is one entry of a parameter list or extension header block. Even
// keys carry Value inline as a varint; odd keys carry Bytes length-prefixed.
type KeyValue struct {
	Key   uint64
	Value uint64
	Bytes []byte
}

// Equal reports whether two entries encode identically.
func (kv KeyValue) Equal(o KeyValue) bool {
	if kv.Key != o.Key {
		return false
	}
	if kv.Key%2 == 0 {
		return kv.Value == o.Value
	}
	return bytes.Equal(kv.Bytes, o.Bytes)
}

// Parameters is an ordered key-value parameter list.
type Parameters []KeyValue

// Uint returns the value of the first even-keyed entry with key.
func (p Parameters) Uint(key uint64) (uint64, bool) {
	for _, kv := range p {
		if kv.Key == key && key%2 == 0 {
			return kv.Value, true
		}
	}
	return 0, false
}

// Bytes returns the value of the first odd-keyed entry with key.
func (p Parameters) Bytes(key uint64) ([]byte, bool) {
	for _, kv := range p {
		if kv.Key == key && key%2 == 1 {
			return kv.Bytes, true
		}
	}
	return nil, false
}

// SetUint replaces or appends an even-keyed entry.
func (p *Parameters) SetUint(key, v uint64) {
	p.set(KeyValue{Key: key, Value: v})
}

// SetBytes replaces or appends an odd-keyed entry.
func (p *Parameters) SetBytes(key uint64, v []byte) {
	p.set(KeyValue{Key: key, Bytes: v})
}

func (p *Parameters) set(kv KeyValue) {
	for i := range *p {
		if (*p)[i].Key == kv.Key {
			(*p)[i] = kv
			return
		}
	}
	*p = append(*p, kv)
}

// AuthToken returns the decoded AUTHORIZATION_TOKEN parameter, if present.
func (p Parameters) AuthToken() (AuthToken, bool, error) {
	raw, ok := p.Bytes(ParamAuthorizationToken)
	if !ok {
		return AuthToken{}, false, nil
	}
	tok, err := ParseAuthToken(raw)
	return tok, true, err
}

// SetAuthToken stores tok as the AUTHORIZATION_TOKEN parameter.
func (p *Parameters) SetAuthToken(tok AuthToken) error {
	raw, err := tok.Append(nil)
	if err != nil {
		return err
	}
	p.SetBytes(ParamAuthorizationToken, raw)
	return nil
}

// Equal reports whether both lists hold the same entries in the same order.
func (p Parameters) Equal(o Parameters) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if !p[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// Authorization token alias types.
const (
	TokenAliasDelete   uint64 = 0x0
	TokenAliasRegister uint64 = 0x1
	TokenUseAlias      uint64 = 0x2
	TokenUseValue      uint64 = 0x3
)

// AuthToken is the structured value of the AUTHORIZATION_TOKEN parameter.
// Alias is present for Delete, Register and UseAlias; TokenType and Value
// for Register and UseValue.
type AuthToken struct {
	AliasType uint64
	Alias     uint64
	TokenType uint64
	Value     []byte
}

// BearerToken returns a UseValue token carrying secret verbatim.
func BearerToken(secret string) AuthToken {
	return AuthToken{AliasType: TokenUseValue, Value: []byte(secret)}
}

func (t AuthToken) hasAlias() bool {
	return t.AliasType == TokenAliasDelete || t.AliasType == TokenAliasRegister || t.AliasType == TokenUseAlias
}

func (t AuthToken) hasValue() bool {
	return t.AliasType == TokenAliasRegister || t.AliasType == TokenUseValue
}

// Append serializes the token body. The token value runs to the end of the
// enclosing parameter and carries no length of its own.
func (t AuthToken) Append(buf []byte) ([]byte, error) {
	if t.AliasType > TokenUseValue {
		return buf, fmt.Errorf("%w: alias type %d", ErrMalformedToken, t.AliasType)
	}
	e := encoder{buf: buf}
	e.varint(t.AliasType)
	if t.hasAlias() {
		e.varint(t.Alias)
	}
	if t.hasValue() {
		e.varint(t.TokenType)
		e.raw(t.Value)
	}
	if e.err != nil {
		return buf, e.err
	}
	return e.buf, nil
}

// ParseAuthToken decodes a token body.
func ParseAuthToken(data []byte) (AuthToken, error) {
	r := newBufReader(data)
	var t AuthToken
	var err error
	if t.AliasType, err = r.readVarint(); err != nil {
		return t, &ParseError{Field: "token_alias_type", Err: err}
	}
	if t.AliasType > TokenUseValue {
		return t, &ParseError{Field: "token_alias_type", Err: ErrMalformedToken}
	}
	if t.hasAlias() {
		if t.Alias, err = r.readVarint(); err != nil {
			return t, &ParseError{Field: "token_alias", Err: err}
		}
	}
	if t.hasValue() {
		if t.TokenType, err = r.readVarint(); err != nil {
			return t, &ParseError{Field: "token_type", Err: err}
		}
		t.Value = append([]byte{}, r.rest()...)
	}
	if r.remaining() != 0 {
		return t, &ParseError{Field: "token", Err: ErrMalformedToken}
	}
	return t, nil
}
