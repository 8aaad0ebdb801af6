package sasl

import "errors"

// plain implements the PLAIN mechanism: a single message of
// authzid NUL authcid NUL password. The authzid is left empty.
type plain struct {
	creds Credentials
	done  bool
}

func newPlain(creds Credentials) *plain {
	return &plain{creds: creds}
}

func (p *plain) initial() ([]byte, error) {
	user := p.creds.Username()
	pass := p.creds.Password()
	msg := make([]byte, 0, len(user)+len(pass)+2)
	msg = append(msg, 0)
	msg = append(msg, user...)
	msg = append(msg, 0)
	msg = append(msg, pass...)
	p.done = true
	return msg, nil
}

func (p *plain) step([]byte) ([]byte, error) {
	return nil, errors.New("sasl: PLAIN has no continuation step")
}

func (p *plain) completed() bool { return p.done }
