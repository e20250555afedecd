package tinyids

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

// SignedEnvelope carries a signed response. It is encoded in protobuf wire
// format so that non-Go clients can decode it with any protobuf library:
//
//	message SignedEnvelope {
//	  bytes data = 1;
//	  bytes signature = 2;
//	}
type SignedEnvelope struct {
	Data      []byte
	Signature []byte
}

const (
	envelopeDataField      protowire.Number = 1
	envelopeSignatureField protowire.Number = 2
)

var errIncompleteEnvelope = errors.New("signed envelope is missing data or signature")

// Marshal encodes the envelope.
func (e SignedEnvelope) Marshal() []byte {
	b := make([]byte, 0, len(e.Data)+len(e.Signature)+8)
	b = protowire.AppendTag(b, envelopeDataField, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Data)
	b = protowire.AppendTag(b, envelopeSignatureField, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Signature)
	return b
}

// UnmarshalSignedEnvelope decodes b. Unknown fields are skipped; both known
// fields must be present.
func UnmarshalSignedEnvelope(b []byte) (SignedEnvelope, error) {
	var env SignedEnvelope
	var haveData, haveSig bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return SignedEnvelope{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == envelopeDataField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return SignedEnvelope{}, protowire.ParseError(n)
			}
			env.Data = append([]byte(nil), v...)
			haveData = true
			b = b[n:]
		case num == envelopeSignatureField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return SignedEnvelope{}, protowire.ParseError(n)
			}
			env.Signature = append([]byte(nil), v...)
			haveSig = true
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return SignedEnvelope{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if !haveData || !haveSig {
		return SignedEnvelope{}, errIncompleteEnvelope
	}
	return env, nil
}
