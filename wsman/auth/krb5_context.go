package auth

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/go-krb5/krb5/asn1tools"
	"github.com/go-krb5/krb5/client"
	"github.com/go-krb5/krb5/crypto"
	"github.com/go-krb5/krb5/gssapi"
	"github.com/go-krb5/krb5/iana/chksumtype"
	krbflags "github.com/go-krb5/krb5/iana/flags"
	"github.com/go-krb5/krb5/iana/keyusage"
	"github.com/go-krb5/krb5/messages"
	"github.com/go-krb5/krb5/spnego"
	"github.com/go-krb5/krb5/types"
	"github.com/go-krb5/x/encoding/asn1"
)

// krb5ContextFlags are the GSS flags requested in the authenticator checksum.
const krb5ContextFlags = gssapi.ContextFlagMutual | gssapi.ContextFlagReplay |
	gssapi.ContextFlagSequence | gssapi.ContextFlagConf | gssapi.ContextFlagInteg

// krb5TokenIDAPReq is the RFC 1964 token id of an AP-REQ inner token.
var krb5TokenIDAPReq = []byte{0x01, 0x00}

// krb5Context is a Kerberos initiator context built directly on go-krb5
// messages, so the initiator subkey and sequence numbers needed for message
// sealing are known.
type krb5Context struct {
	cl   *client.Client
	spn  string
	opts ContextOptions

	mu          sync.Mutex
	sent        bool
	established bool
	sessionKey  types.EncryptionKey
	initiatorKy types.EncryptionKey
	acceptorKey types.EncryptionKey
	sendSeq     uint64
	recvSeq     uint64
}

func newKrb5Context(cl *client.Client, spn string, opts ContextOptions) *krb5Context {
	return &krb5Context{cl: cl, spn: spn, opts: opts}
}

// Step produces the AP-REQ on the first call and consumes the AP-REP on the
// second. Tokens received after establishment are ignored.
func (c *krb5Context) Step(ctx context.Context, in []byte) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.established:
		return nil, false, nil
	case !c.sent:
		if len(in) > 0 {
			return nil, false, errors.New("received server token before the initial token was sent")
		}
		tok, err := c.initialToken()
		if err != nil {
			return nil, false, err
		}
		c.sent = true
		return tok, true, nil
	default:
		if len(in) == 0 {
			return nil, false, errors.New("missing mutual authentication reply")
		}
		if err := c.acceptReply(in); err != nil {
			return nil, false, err
		}
		c.established = true
		return nil, false, nil
	}
}

// initialToken builds the GSS Kerberos AP-REQ token (SPNEGO wrapped when
// requested) with a fresh initiator subkey and mutual authentication.
func (c *krb5Context) initialToken() ([]byte, error) {
	tkt, key, err := c.cl.GetServiceTicket(c.spn)
	if err != nil {
		return nil, fmt.Errorf("get service ticket for %s: %w", c.spn, err)
	}
	et, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return nil, fmt.Errorf("session key: %w", err)
	}

	auth, err := types.NewAuthenticator(c.cl.Credentials.Domain(), c.cl.Credentials.CName())
	if err != nil {
		return nil, fmt.Errorf("create authenticator: %w", err)
	}
	if err := auth.GenerateSeqNumberAndSubKey(key.KeyType, et.GetKeyByteSize()); err != nil {
		return nil, fmt.Errorf("generate subkey: %w", err)
	}
	auth.Cksum = types.Checksum{
		CksumType: chksumtype.GSSAPI,
		Checksum:  gssChecksum(c.opts.ChannelBinding, krb5ContextFlags),
	}

	apReq, err := messages.NewAPReq(tkt, key, auth)
	if err != nil {
		return nil, fmt.Errorf("create AP-REQ: %w", err)
	}
	types.SetFlag(&apReq.APOptions, krbflags.APOptionMutualRequired)
	reqBytes, err := apReq.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal AP-REQ: %w", err)
	}

	tok, err := krb5MechToken(reqBytes)
	if err != nil {
		return nil, err
	}

	c.sessionKey = key
	c.initiatorKy = auth.SubKey
	c.sendSeq = uint64(auth.SeqNumber)

	if !c.opts.SPNEGO {
		return tok, nil
	}
	st := spnego.SPNEGOToken{
		Init: true,
		NegTokenInit: spnego.NegTokenInit{
			MechTypes:      []asn1.ObjectIdentifier{gssapi.OIDKRB5.OID()},
			MechTokenBytes: tok,
		},
	}
	return st.Marshal()
}

// acceptReply verifies the AP-REP and records the acceptor subkey and
// sequence number.
func (c *krb5Context) acceptReply(in []byte) error {
	mech, err := mechReply(in)
	if err != nil {
		return err
	}

	var kt spnego.KRB5Token
	if err := kt.Unmarshal(mech); err != nil {
		return fmt.Errorf("unmarshal reply token: %w", err)
	}
	if kt.IsKRBError() {
		return fmt.Errorf("server returned KRB-ERROR: %s", kt.KRBError.Error())
	}
	if !kt.IsAPRep() {
		return errors.New("reply token is not an AP-REP")
	}

	plain, err := crypto.DecryptEncPart(kt.APRep.EncPart, c.sessionKey, keyusage.AP_REP_ENCPART)
	if err != nil {
		return fmt.Errorf("decrypt AP-REP: %w", err)
	}
	var part messages.EncAPRepPart
	if err := part.Unmarshal(plain); err != nil {
		return fmt.Errorf("unmarshal AP-REP part: %w", err)
	}
	if len(part.Subkey.KeyValue) > 0 {
		c.acceptorKey = part.Subkey
	}
	c.recvSeq = uint64(part.SequenceNumber)
	return nil
}

// mechReply extracts the Kerberos token from a raw or SPNEGO wrapped reply.
func mechReply(in []byte) ([]byte, error) {
	if in[0] != 0xa1 {
		return in, nil
	}
	_, v, err := spnego.UnmarshalNegToken(in)
	if err != nil {
		return nil, fmt.Errorf("unmarshal SPNEGO reply: %w", err)
	}
	resp, ok := v.(spnego.NegTokenResp)
	if !ok {
		return nil, errors.New("SPNEGO reply is not a NegTokenResp")
	}
	if spnego.NegState(resp.NegState) == spnego.NegStateReject {
		return nil, errors.New("server rejected the SPNEGO negotiation")
	}
	if len(resp.ResponseToken) == 0 {
		return nil, errors.New("SPNEGO reply carries no mechanism token")
	}
	return resp.ResponseToken, nil
}

// Complete reports whether the AP-REP has been verified.
func (c *krb5Context) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.established
}

// ProtectionReady is true once the context is established, since mutual
// authentication is always requested.
func (c *krb5Context) ProtectionReady() bool {
	return c.Complete()
}

// Wrap seals plaintext with the preferred key: acceptor subkey, then
// initiator subkey, then the session key.
func (c *krb5Context) Wrap(plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.established {
		return nil, errors.New("wrap: security context not established")
	}
	key, flags := c.protectionKey()
	tok, err := sealWrapToken(key, keyusage.GSSAPI_INITIATOR_SEAL, flags, c.sendSeq, plaintext)
	if err != nil {
		return nil, err
	}
	c.sendSeq++
	return tok, nil
}

// Unwrap opens a token sealed by the acceptor.
func (c *krb5Context) Unwrap(token []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.established {
		return nil, errors.New("unwrap: security context not established")
	}
	if len(token) > 2 && token[2]&wrapFlagSentByAcceptor == 0 {
		return nil, errors.New("unwrap: token was not sent by the acceptor")
	}
	key, _ := c.protectionKey()
	plain, _, seq, err := unsealWrapToken(key, keyusage.GSSAPI_ACCEPTOR_SEAL, token)
	if err != nil {
		return nil, err
	}
	if seq < c.recvSeq {
		return nil, fmt.Errorf("unwrap: replayed sequence number %d", seq)
	}
	c.recvSeq = seq + 1
	return plain, nil
}

func (c *krb5Context) protectionKey() (types.EncryptionKey, byte) {
	switch {
	case len(c.acceptorKey.KeyValue) > 0:
		return c.acceptorKey, wrapFlagAcceptorSubkey
	case len(c.initiatorKy.KeyValue) > 0:
		return c.initiatorKy, 0
	default:
		return c.sessionKey, 0
	}
}

// Close forgets the keys.
func (c *krb5Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.established = false
	c.sessionKey = types.EncryptionKey{}
	c.initiatorKy = types.EncryptionKey{}
	c.acceptorKey = types.EncryptionKey{}
	return nil
}

// krb5MechToken frames an AP-REQ as an RFC 2743 initial context token:
// [APPLICATION 0] { mech OID, token id, inner token }.
func krb5MechToken(apReq []byte) ([]byte, error) {
	oid, err := asn1.Marshal(gssapi.OIDKRB5.OID(),
		asn1.WithMarshalSlicePreserveTypes(true), asn1.WithMarshalSliceAllowStrings(true))
	if err != nil {
		return nil, fmt.Errorf("marshal mech OID: %w", err)
	}
	b := make([]byte, 0, len(oid)+len(krb5TokenIDAPReq)+len(apReq))
	b = append(b, oid...)
	b = append(b, krb5TokenIDAPReq...)
	b = append(b, apReq...)
	return asn1tools.AddASNAppTag(b, 0), nil
}

// gssChecksum builds the RFC 4121 §4.1.1 authenticator checksum: the
// binding length, the MD5 of the channel bindings and the context flags.
func gssChecksum(appData []byte, flags int) []byte {
	chk := make([]byte, 24)
	binary.LittleEndian.PutUint32(chk[0:4], 16)
	if len(appData) > 0 {
		// initiator and acceptor address type and length are all zero
		cb := make([]byte, 20, 20+len(appData))
		binary.LittleEndian.PutUint32(cb[16:20], uint32(len(appData)))
		cb = append(cb, appData...)
		sum := md5.Sum(cb)
		copy(chk[4:20], sum[:])
	}
	binary.LittleEndian.PutUint32(chk[20:24], uint32(flags))
	return chk
}
