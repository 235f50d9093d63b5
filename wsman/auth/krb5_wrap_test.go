package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"testing"

	"github.com/go-krb5/krb5/iana/etypeID"
	"github.com/go-krb5/krb5/iana/keyusage"
	"github.com/go-krb5/krb5/types"
)

func testKey(t *testing.T, etype int32, size int) types.EncryptionKey {
	t.Helper()
	k := make([]byte, size)
	if _, err := rand.Read(k); err != nil {
		t.Fatal(err)
	}
	return types.EncryptionKey{KeyType: etype, KeyValue: k}
}

// TestSealWrapToken_Layout verifies the token header fields.
func TestSealWrapToken_Layout(t *testing.T) {
	key := testKey(t, etypeID.AES256_CTS_HMAC_SHA1_96, 32)
	msg := []byte("<s:Envelope/>")

	tok, err := sealWrapToken(key, keyusage.GSSAPI_INITIATOR_SEAL, wrapFlagAcceptorSubkey, 42, msg)
	if err != nil {
		t.Fatalf("sealWrapToken: %v", err)
	}

	if tok[0] != 0x05 || tok[1] != 0x04 {
		t.Errorf("token id = %02x%02x, want 0504", tok[0], tok[1])
	}
	if tok[2] != wrapFlagSealed|wrapFlagAcceptorSubkey {
		t.Errorf("flags = %#x", tok[2])
	}
	if tok[3] != 0xff {
		t.Errorf("filler = %#x", tok[3])
	}
	if ec := binary.BigEndian.Uint16(tok[4:6]); ec != 0 {
		t.Errorf("EC = %d, want 0", ec)
	}
	if rrc := binary.BigEndian.Uint16(tok[6:8]); rrc != 28 {
		t.Errorf("RRC = %d, want 28", rrc)
	}
	if seq := binary.BigEndian.Uint64(tok[8:16]); seq != 42 {
		t.Errorf("SND_SEQ = %d, want 42", seq)
	}
	// header + confounder + message + header copy + HMAC-SHA1-96
	if want := 16 + 16 + len(msg) + 16 + 12; len(tok) != want {
		t.Errorf("len = %d, want %d", len(tok), want)
	}
}

// TestSealUnseal verifies round trips for the AES encryption types.
func TestSealUnseal(t *testing.T) {
	tests := []struct {
		name  string
		etype int32
		size  int
	}{
		{"aes128-sha1", etypeID.AES128_CTS_HMAC_SHA1_96, 16},
		{"aes256-sha1", etypeID.AES256_CTS_HMAC_SHA1_96, 32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := testKey(t, tt.etype, tt.size)
			msg := bytes.Repeat([]byte("payload "), 100)

			tok, err := sealWrapToken(key, keyusage.GSSAPI_ACCEPTOR_SEAL, wrapFlagSentByAcceptor, 7, msg)
			if err != nil {
				t.Fatalf("seal: %v", err)
			}
			plain, flags, seq, err := unsealWrapToken(key, keyusage.GSSAPI_ACCEPTOR_SEAL, tok)
			if err != nil {
				t.Fatalf("unseal: %v", err)
			}
			if !bytes.Equal(plain, msg) {
				t.Error("plaintext mismatch")
			}
			if flags&wrapFlagSentByAcceptor == 0 {
				t.Errorf("flags = %#x, missing SentByAcceptor", flags)
			}
			if seq != 7 {
				t.Errorf("seq = %d, want 7", seq)
			}
		})
	}
}

// TestUnseal_Rejects verifies tampering and misuse are detected.
func TestUnseal_Rejects(t *testing.T) {
	key := testKey(t, etypeID.AES256_CTS_HMAC_SHA1_96, 32)
	tok, err := sealWrapToken(key, keyusage.GSSAPI_ACCEPTOR_SEAL, 0, 1, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}

	tampered := append([]byte(nil), tok...)
	tampered[len(tampered)-1] ^= 0xff
	if _, _, _, err := unsealWrapToken(key, keyusage.GSSAPI_ACCEPTOR_SEAL, tampered); err == nil {
		t.Error("tampered ciphertext accepted")
	}

	if _, _, _, err := unsealWrapToken(key, keyusage.GSSAPI_INITIATOR_SEAL, tok); err == nil {
		t.Error("wrong key usage accepted")
	}

	seqChanged := append([]byte(nil), tok...)
	seqChanged[15] ^= 0x01
	if _, _, _, err := unsealWrapToken(key, keyusage.GSSAPI_ACCEPTOR_SEAL, seqChanged); err == nil {
		t.Error("modified clear header accepted")
	}

	if _, _, _, err := unsealWrapToken(key, keyusage.GSSAPI_ACCEPTOR_SEAL, tok[:10]); err == nil {
		t.Error("short token accepted")
	}

	if _, err := sealWrapToken(types.EncryptionKey{KeyType: etypeID.RC4_HMAC, KeyValue: make([]byte, 16)},
		keyusage.GSSAPI_INITIATOR_SEAL, 0, 0, []byte("x")); err == nil {
		t.Error("RC4 key accepted for RFC 4121 wrap")
	}
}

// TestRotate verifies rotation helpers are inverses.
func TestRotate(t *testing.T) {
	b := []byte("0123456789")
	if got := string(rotateRight(b, 3)); got != "7890123456" {
		t.Errorf("rotateRight = %s", got)
	}
	if got := string(rotateLeft(b, 3)); got != "3456789012" {
		t.Errorf("rotateLeft = %s", got)
	}
	if got := string(rotateLeft(rotateRight(b, 13), 13)); got != string(b) {
		t.Errorf("rotate round trip = %s", got)
	}
	if len(rotateRight(nil, 5)) != 0 {
		t.Error("rotateRight(nil) not empty")
	}
}

// TestKrb5Context_Protection verifies Wrap and Unwrap on an established
// context use the acceptor subkey and track sequence numbers.
func TestKrb5Context_Protection(t *testing.T) {
	c := newKrb5Context(nil, "HTTP/host", ContextOptions{})

	if _, err := c.Wrap([]byte("x")); err == nil {
		t.Error("Wrap succeeded before establishment")
	}
	if c.ProtectionReady() {
		t.Error("ProtectionReady before establishment")
	}

	c.sessionKey = testKey(t, etypeID.AES256_CTS_HMAC_SHA1_96, 32)
	c.initiatorKy = testKey(t, etypeID.AES256_CTS_HMAC_SHA1_96, 32)
	c.acceptorKey = testKey(t, etypeID.AES256_CTS_HMAC_SHA1_96, 32)
	c.sendSeq = 100
	c.recvSeq = 500
	c.established = true

	if !c.Complete() || !c.ProtectionReady() {
		t.Fatal("established context not ready")
	}
	if out, cont, err := c.Step(context.Background(), []byte("late token")); out != nil || cont || err != nil {
		t.Errorf("Step after establishment = %v, %v, %v", out, cont, err)
	}

	tok, err := c.Wrap([]byte("request"))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	plain, flags, seq, err := unsealWrapToken(c.acceptorKey, keyusage.GSSAPI_INITIATOR_SEAL, tok)
	if err != nil {
		t.Fatalf("unseal outbound token: %v", err)
	}
	if string(plain) != "request" || seq != 100 {
		t.Errorf("outbound = %q seq %d", plain, seq)
	}
	if flags&wrapFlagAcceptorSubkey == 0 || flags&wrapFlagSentByAcceptor != 0 {
		t.Errorf("outbound flags = %#x", flags)
	}
	if c.sendSeq != 101 {
		t.Errorf("sendSeq = %d, want 101", c.sendSeq)
	}

	reply, err := sealWrapToken(c.acceptorKey, keyusage.GSSAPI_ACCEPTOR_SEAL,
		wrapFlagSentByAcceptor|wrapFlagAcceptorSubkey, 500, []byte("response"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.Unwrap(reply)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if string(got) != "response" {
		t.Errorf("Unwrap = %q", got)
	}
	if _, err := c.Unwrap(reply); err == nil {
		t.Error("replayed token accepted")
	}

	own, _ := sealWrapToken(c.acceptorKey, keyusage.GSSAPI_ACCEPTOR_SEAL, wrapFlagAcceptorSubkey, 600, []byte("x"))
	if _, err := c.Unwrap(own); err == nil {
		t.Error("token without SentByAcceptor accepted")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.ProtectionReady() {
		t.Error("ProtectionReady after Close")
	}
}
