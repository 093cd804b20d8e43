// Package endpoint parses and formats transfer endpoint strings.
//
// An endpoint string names one shared-memory window reachable through a
// transport:
//
//	<protocol>://<address>:<size>.<mailbox>.<maxcount>
//
// The address is either "<target>.<offset>", a bare "<target>", or a network
// address of the form "<host>;<port>". For example:
//
//	ocpi-ppp-dma://1.1:900000.18.20
//	ocpi-smb-pio://test1:9000000.1.20
//	ocpi-udp-rdma://127.0.0.1;40000:65536.3.20
package endpoint

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrMissingProtocol = errors.New("endpoint: missing protocol separator")
	ErrMissingSize     = errors.New("endpoint: missing size field")
	ErrMalformed       = errors.New("endpoint: malformed endpoint string")
)

// EndPoint is the parsed form of an endpoint string.
// It is immutable once a factory publishes it.
type EndPoint struct {
	// Protocol selects the transport, e.g. "ocpi-smb-pio".
	Protocol string
	// Address is everything between "://" and the first ':'.
	Address string
	// Target identifies the memory window on its host.
	Target string
	// Offset is the byte offset of the window inside its backing store.
	Offset uint64
	// Size is the size of the window in bytes.
	Size uint64
	// Mailbox identifies this endpoint among MaxCount peers.
	Mailbox uint16
	// MaxCount is the size of the mailbox space.
	MaxCount uint16
	// Local is set by the owning factory when this process can serve the
	// window itself.
	Local bool

	raw string
}

// Parse parses s into an EndPoint. Local is never set by Parse.
func Parse(s string) (*EndPoint, error) {
	i := strings.Index(s, "://")
	if i <= 0 {
		return nil, errors.Wrapf(ErrMissingProtocol, "parsing %q", s)
	}
	ep := &EndPoint{Protocol: s[:i], raw: s}

	rest := s[i+3:]
	j := strings.IndexByte(rest, ':')
	if j < 0 {
		return nil, errors.Wrapf(ErrMissingSize, "parsing %q", s)
	}
	ep.Address = rest[:j]
	if ep.Address == "" {
		return nil, errors.Wrapf(ErrMalformed, "parsing %q: empty address", s)
	}

	fields := strings.Split(rest[j+1:], ".")
	if len(fields) != 3 {
		return nil, errors.Wrapf(ErrMalformed,
			"parsing %q: want size.mailbox.maxcount, got %q", s, rest[j+1:])
	}

	var err error
	if ep.Size, err = parseUint(fields[0], 64); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "parsing %q: size: %v", s, err)
	}
	mb, err := parseUint(fields[1], 16)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "parsing %q: mailbox: %v", s, err)
	}
	maxCount, err := parseUint(fields[2], 16)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "parsing %q: maxcount: %v", s, err)
	}
	ep.Mailbox, ep.MaxCount = uint16(mb), uint16(maxCount)
	if ep.MaxCount != 0 && ep.Mailbox >= ep.MaxCount {
		return nil, errors.Wrapf(ErrMalformed,
			"parsing %q: mailbox %d out of range [0,%d)", s, ep.Mailbox, ep.MaxCount)
	}

	if strings.IndexByte(ep.Address, ';') >= 0 {
		// Network addresses carry no offset.
		ep.Target = ep.Address
		return ep, nil
	}
	target, off, hasOffset := strings.Cut(ep.Address, ".")
	ep.Target = target
	if hasOffset {
		if ep.Offset, err = parseUint(off, 64); err != nil {
			return nil, errors.Wrapf(ErrMalformed, "parsing %q: offset: %v", s, err)
		}
	}
	return ep, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) *EndPoint {
	ep, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return ep
}

// Format builds an endpoint string from its parts.
func Format(protocol, address string, size uint64, mailbox, maxCount uint16) string {
	var b strings.Builder
	b.Grow(len(protocol) + len(address) + 32)
	b.WriteString(protocol)
	b.WriteString("://")
	b.WriteString(address)
	b.WriteByte(':')
	b.WriteString(strconv.FormatUint(size, 10))
	b.WriteByte('.')
	b.WriteString(strconv.FormatUint(uint64(mailbox), 10))
	b.WriteByte('.')
	b.WriteString(strconv.FormatUint(uint64(maxCount), 10))
	return b.String()
}

// String returns the endpoint string the EndPoint was parsed from.
func (e *EndPoint) String() string {
	if e.raw == "" {
		return Format(e.Protocol, e.Address, e.Size, e.Mailbox, e.MaxCount)
	}
	return e.raw
}

// HostPort splits a network address of the form "<host>;<port>".
func (e *EndPoint) HostPort() (host, port string, ok bool) {
	return strings.Cut(e.Address, ";")
}

// parseUint accepts decimal and 0x-prefixed hexadecimal numbers.
func parseUint(s string, bits int) (uint64, error) {
	if s == "" {
		return 0, errors.New("empty number")
	}
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return strconv.ParseUint(s[2:], 16, bits)
	}
	return strconv.ParseUint(s, 10, bits)
}
