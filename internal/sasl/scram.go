package sasl

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// scram implements the SCRAM-SHA family per RFC 5802. Channel binding
// is not negotiated (gs2 header "n,,").
type scram struct {
	creds   Credentials
	newHash func() hash.Hash

	clientNonce     string
	clientFirstBare string
	saltedPassword  []byte
	serverSignature []byte
	state           scramState
}

type scramState int

const (
	scramInitial scramState = iota
	scramSentFirst
	scramSentFinal
	scramDone
)

const nonceLen = 18

func newScram(mech string, creds Credentials) (*scram, error) {
	var h func() hash.Hash
	switch mech {
	case "SCRAM-SHA1":
		h = sha1.New
	case "SCRAM-SHA256":
		h = sha256.New
	case "SCRAM-SHA512":
		h = sha512.New
	default:
		return nil, fmt.Errorf("sasl: unsupported mechanism %q", mech)
	}
	return &scram{creds: creds, newHash: h}, nil
}

func (s *scram) initial() ([]byte, error) {
	raw := make([]byte, nonceLen)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	s.clientNonce = base64.StdEncoding.EncodeToString(raw)
	s.clientFirstBare = "n=" + escapeUsername(s.creds.Username()) + ",r=" + s.clientNonce
	s.state = scramSentFirst
	return []byte("n,," + s.clientFirstBare), nil
}

func (s *scram) step(challenge []byte) ([]byte, error) {
	switch s.state {
	case scramSentFirst:
		return s.clientFinal(string(challenge))
	case scramSentFinal:
		return nil, s.verifyServerFinal(string(challenge))
	default:
		return nil, errors.New("sasl: unexpected SCRAM step")
	}
}

func (s *scram) completed() bool { return s.state == scramDone }

func (s *scram) clientFinal(serverFirst string) ([]byte, error) {
	attrs, err := parseAttributes(serverFirst)
	if err != nil {
		return nil, err
	}
	combinedNonce := attrs["r"]
	if !strings.HasPrefix(combinedNonce, s.clientNonce) || combinedNonce == s.clientNonce {
		return nil, errors.New("sasl: server nonce does not extend client nonce")
	}
	salt, err := base64.StdEncoding.DecodeString(attrs["s"])
	if err != nil {
		return nil, fmt.Errorf("sasl: bad salt: %w", err)
	}
	iterations, err := strconv.Atoi(attrs["i"])
	if err != nil || iterations <= 0 {
		return nil, errors.New("sasl: bad iteration count")
	}

	s.saltedPassword = pbkdf2.Key([]byte(s.creds.Password()), salt, iterations,
		s.newHash().Size(), s.newHash)

	clientKey := s.hmac(s.saltedPassword, []byte("Client Key"))
	storedKey := s.digest(clientKey)

	withoutProof := "c=" + base64.StdEncoding.EncodeToString([]byte("n,,")) +
		",r=" + combinedNonce
	authMessage := s.clientFirstBare + "," + serverFirst + "," + withoutProof

	proof := s.hmac(storedKey, []byte(authMessage))
	for i := range proof {
		proof[i] ^= clientKey[i]
	}

	serverKey := s.hmac(s.saltedPassword, []byte("Server Key"))
	s.serverSignature = s.hmac(serverKey, []byte(authMessage))

	s.state = scramSentFinal
	return []byte(withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)), nil
}

func (s *scram) verifyServerFinal(serverFinal string) error {
	attrs, err := parseAttributes(serverFinal)
	if err != nil {
		return err
	}
	if e, ok := attrs["e"]; ok {
		return fmt.Errorf("sasl: server rejected authentication: %s", e)
	}
	sig, err := base64.StdEncoding.DecodeString(attrs["v"])
	if err != nil {
		return fmt.Errorf("sasl: bad server signature: %w", err)
	}
	if !hmac.Equal(sig, s.serverSignature) {
		return errors.New("sasl: server signature mismatch")
	}
	s.state = scramDone
	return nil
}

func (s *scram) hmac(key, msg []byte) []byte {
	m := hmac.New(s.newHash, key)
	m.Write(msg)
	return m.Sum(nil)
}

func (s *scram) digest(b []byte) []byte {
	h := s.newHash()
	h.Write(b)
	return h.Sum(nil)
}

// escapeUsername applies the SCRAM attribute escaping for "," and "=".
func escapeUsername(u string) string {
	u = strings.ReplaceAll(u, "=", "=3D")
	return strings.ReplaceAll(u, ",", "=2C")
}

// parseAttributes splits "k=v,k=v" SCRAM messages. Values may contain
// '=' (base64), so only the first '=' per pair separates key from value.
func parseAttributes(msg string) (map[string]string, error) {
	attrs := make(map[string]string)
	for _, part := range strings.Split(msg, ",") {
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok || len(k) != 1 {
			return nil, fmt.Errorf("sasl: malformed attribute %q", part)
		}
		attrs[k] = v
	}
	return attrs, nil
}
