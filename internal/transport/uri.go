package transport

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const uriPrefix = "udp?"

// ControlModeDynamic lets the receiving side's address be learned from
// inbound traffic, which is what makes the backward channel NAT friendly.
const ControlModeDynamic = "dynamic"

// URI is a parsed channel address of the form
// udp?endpoint=ip:port|interface=ip|control=ip:port|control-mode=dynamic|session-id=N.
type URI struct {
	Endpoint    string
	Interface   string
	Control     string
	ControlMode string
	SessionID   *int32
}

// ParseURI accepts the address with or without the leading "udp?".
func ParseURI(s string) (URI, error) {
	var u URI
	body := strings.TrimSpace(s)
	body = strings.TrimPrefix(body, "aeron:")
	body = strings.TrimPrefix(body, uriPrefix)
	if body == "" {
		return u, errors.Errorf("empty channel %q", s)
	}
	for _, part := range strings.Split(body, "|") {
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return u, errors.Errorf("channel %q: malformed parameter %q", s, part)
		}
		switch strings.TrimSpace(k) {
		case "endpoint":
			u.Endpoint = strings.TrimSpace(v)
		case "interface":
			u.Interface = strings.TrimSpace(v)
		case "control":
			u.Control = strings.TrimSpace(v)
		case "control-mode":
			u.ControlMode = strings.TrimSpace(v)
		case "session-id":
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 32)
			if err != nil {
				return u, errors.Wrapf(err, "channel %q: session-id", s)
			}
			id := int32(n)
			u.SessionID = &id
		default:
			return u, errors.Errorf("channel %q: unknown parameter %q", s, k)
		}
	}
	if u.Endpoint == "" && u.Control == "" {
		return u, errors.Errorf("channel %q: endpoint or control required", s)
	}
	if _, err := u.Port(); err != nil {
		return u, err
	}
	return u, nil
}

// MustParseURI is ParseURI for literals.
func MustParseURI(s string) URI {
	u, err := ParseURI(s)
	if err != nil {
		panic(err)
	}
	return u
}

func (u URI) addr() string {
	if u.Control != "" {
		return u.Control
	}
	return u.Endpoint
}

// Port returns the port that addresses the channel: the control port for
// control-mode channels, the endpoint port otherwise.
func (u URI) Port() (int, error) {
	_, p, err := net.SplitHostPort(u.addr())
	if err != nil {
		return 0, errors.Wrapf(err, "channel address %q", u.addr())
	}
	n, err := strconv.Atoi(p)
	if err != nil || n < 0 || n > 65535 {
		return 0, errors.Errorf("channel address %q: bad port", u.addr())
	}
	return n, nil
}

// WithPort returns a copy addressed at port, keeping hosts and options.
func (u URI) WithPort(port int) URI {
	out := u
	out.SessionID = nil
	if u.Control != "" {
		host, _, _ := net.SplitHostPort(u.Control)
		out.Control = net.JoinHostPort(host, strconv.Itoa(port))
		return out
	}
	host, _, _ := net.SplitHostPort(u.Endpoint)
	out.Endpoint = net.JoinHostPort(host, strconv.Itoa(port))
	return out
}

// WithSessionID pins the session id a publication on this channel will use.
func (u URI) WithSessionID(id int32) URI {
	out := u
	out.SessionID = &id
	return out
}

// Key identifies the channel independently of which host wrote the address,
// so that "0.0.0.0:40123" on the server and "tunnel.example:40123" on a
// client meet on the same channel.
func (u URI) Key() string {
	p, _ := u.Port()
	if u.Control != "" {
		return "control:" + strconv.Itoa(p)
	}
	return "endpoint:" + strconv.Itoa(p)
}

func (u URI) String() string {
	var parts []string
	if u.Endpoint != "" {
		parts = append(parts, "endpoint="+u.Endpoint)
	}
	if u.Interface != "" {
		parts = append(parts, "interface="+u.Interface)
	}
	if u.Control != "" {
		parts = append(parts, "control="+u.Control)
	}
	if u.ControlMode != "" {
		parts = append(parts, "control-mode="+u.ControlMode)
	}
	if u.SessionID != nil {
		parts = append(parts, "session-id="+strconv.Itoa(int(*u.SessionID)))
	}
	return uriPrefix + strings.Join(parts, "|")
}
