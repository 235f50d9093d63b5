package auth

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-krb5/krb5/crypto"
	"github.com/go-krb5/krb5/iana/etypeID"
	"github.com/go-krb5/krb5/types"
)

// RFC 4121 §4.2.6.2 Wrap token layout.
const (
	wrapHeaderLen = 16

	wrapFlagSentByAcceptor = 0x01
	wrapFlagSealed         = 0x02
	wrapFlagAcceptorSubkey = 0x04
)

var wrapTokenID = [2]byte{0x05, 0x04}

// sealWrapToken produces a confidential Wrap token for plaintext.
//
// The encrypted part is plaintext followed by a copy of the token header
// (with RRC zero). The sent token rotates the ciphertext right by
// 16 + checksum length, the layout Windows expects from initiators.
func sealWrapToken(key types.EncryptionKey, usage uint32, flags byte, seq uint64, plaintext []byte) ([]byte, error) {
	switch key.KeyType {
	case etypeID.AES128_CTS_HMAC_SHA1_96, etypeID.AES256_CTS_HMAC_SHA1_96,
		etypeID.AES128_CTS_HMAC_SHA256_128, etypeID.AES256_CTS_HMAC_SHA384_192:
	default:
		return nil, fmt.Errorf("wrap: unsupported encryption type %d", key.KeyType)
	}
	et, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return nil, fmt.Errorf("wrap: %w", err)
	}

	header := make([]byte, wrapHeaderLen)
	header[0], header[1] = wrapTokenID[0], wrapTokenID[1]
	header[2] = flags | wrapFlagSealed
	header[3] = 0xff
	binary.BigEndian.PutUint64(header[8:], seq)

	msg := make([]byte, 0, len(plaintext)+wrapHeaderLen)
	msg = append(msg, plaintext...)
	msg = append(msg, header...)

	_, cipher, err := et.EncryptMessage(key.KeyValue, msg, usage)
	if err != nil {
		return nil, fmt.Errorf("wrap: %w", err)
	}

	rrc := wrapHeaderLen + et.GetHMACBitLength()/8
	binary.BigEndian.PutUint16(header[6:8], uint16(rrc))

	out := make([]byte, 0, wrapHeaderLen+len(cipher))
	out = append(out, header...)
	out = append(out, rotateRight(cipher, rrc)...)
	return out, nil
}

// unsealWrapToken verifies and decrypts a confidential Wrap token.
// It returns the plaintext, the token flags and the sequence number.
func unsealWrapToken(key types.EncryptionKey, usage uint32, token []byte) ([]byte, byte, uint64, error) {
	if len(token) < wrapHeaderLen {
		return nil, 0, 0, fmt.Errorf("unwrap: token too short: %d bytes", len(token))
	}
	if token[0] != wrapTokenID[0] || token[1] != wrapTokenID[1] {
		return nil, 0, 0, fmt.Errorf("unwrap: not a wrap token (id %02x%02x)", token[0], token[1])
	}
	flags := token[2]
	if flags&wrapFlagSealed == 0 {
		return nil, 0, 0, errors.New("unwrap: token is not sealed")
	}
	if token[3] != 0xff {
		return nil, 0, 0, errors.New("unwrap: bad filler byte")
	}
	ec := int(binary.BigEndian.Uint16(token[4:6]))
	rrc := int(binary.BigEndian.Uint16(token[6:8]))
	seq := binary.BigEndian.Uint64(token[8:16])

	et, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("unwrap: %w", err)
	}
	body := token[wrapHeaderLen:]
	if len(body) < et.GetConfounderByteSize()+et.GetHMACBitLength()/8+wrapHeaderLen+ec {
		return nil, 0, 0, fmt.Errorf("unwrap: encrypted data too short: %d bytes", len(body))
	}
	cipher := rotateLeft(body, rrc+ec)

	plain, err := et.DecryptMessage(key.KeyValue, cipher, usage)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("unwrap: %w", err)
	}
	if len(plain) < wrapHeaderLen+ec {
		return nil, 0, 0, errors.New("unwrap: decrypted data too short")
	}

	// The encrypted header copy must match the clear header except RRC.
	inner := plain[len(plain)-wrapHeaderLen:]
	if !bytes.Equal(inner[0:6], token[0:6]) || !bytes.Equal(inner[8:16], token[8:16]) {
		return nil, 0, 0, errors.New("unwrap: header mismatch")
	}

	return plain[:len(plain)-wrapHeaderLen-ec], flags, seq, nil
}

func rotateRight(b []byte, n int) []byte {
	out := make([]byte, len(b))
	if len(b) == 0 {
		return out
	}
	n %= len(b)
	copy(out, b[len(b)-n:])
	copy(out[n:], b[:len(b)-n])
	return out
}

func rotateLeft(b []byte, n int) []byte {
	out := make([]byte, len(b))
	if len(b) == 0 {
		return out
	}
	n %= len(b)
	copy(out, b[n:])
	copy(out[len(b)-n:], b[:n])
	return out
}
