// internal/proto/proto.go
package proto

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ProtocolVersion is announced in the ID request.
const ProtocolVersion = 17

// MaxPacketSize bounds a PACKET block announcement.
const MaxPacketSize = 1 << 16

// Request numbers of the meta protocol. Each request is one line starting
// with its decimal number.
type Request int

const (
	ID Request = iota
	MetaKey
	Challenge
	ChalReply
	Ack
	Status
	Error
	TermReq
	Ping
	Pong
	AddSubnet
	DelSubnet
	AddEdge
	DelEdge
	KeyChanged
	ReqKey
	AnsKey
	Packet
	lastRequest
)

var requestNames = [...]string{
	ID:         "ID",
	MetaKey:    "METAKEY",
	Challenge:  "CHALLENGE",
	ChalReply:  "CHAL_REPLY",
	Ack:        "ACK",
	Status:     "STATUS",
	Error:      "ERROR",
	TermReq:    "TERMREQ",
	Ping:       "PING",
	Pong:       "PONG",
	AddSubnet:  "ADD_SUBNET",
	DelSubnet:  "DEL_SUBNET",
	AddEdge:    "ADD_EDGE",
	DelEdge:    "DEL_EDGE",
	KeyChanged: "KEY_CHANGED",
	ReqKey:     "REQ_KEY",
	AnsKey:     "ANS_KEY",
	Packet:     "PACKET",
}

func (r Request) String() string {
	if r < 0 || r >= lastRequest {
		return "UNKNOWN(" + strconv.Itoa(int(r)) + ")"
	}
	return requestNames[r]
}

func (r Request) Valid() bool { return r >= 0 && r < lastRequest }

// Forwarded requests describe network state and are flooded to every other
// active peer.
func (r Request) Forwarded() bool {
	switch r {
	case AddSubnet, DelSubnet, AddEdge, DelEdge, KeyChanged:
		return true
	}
	return false
}

var (
	ErrMalformed      = errors.New("malformed request")
	ErrUnknownRequest = errors.New("unknown request")
	ErrUnexpected     = errors.New("unexpected request")
	ErrTermReq        = errors.New("termination requested by peer")
	ErrPeerError      = errors.New("peer reported error")
)

// Line is a parsed request line.
type Line struct {
	Req  Request
	Args []string
	Raw  string
}

func ParseLine(line []byte) (Line, error) {
	raw := string(line)
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return Line{}, fmt.Errorf("%w: empty line", ErrMalformed)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return Line{}, fmt.Errorf("%w: bad request number %q", ErrMalformed, fields[0])
	}
	req := Request(n)
	if !req.Valid() {
		return Line{}, fmt.Errorf("%w: %d", ErrUnknownRequest, n)
	}
	return Line{Req: req, Args: fields[1:], Raw: raw}, nil
}

// Format renders a request line including its terminator.
func Format(req Request, args ...any) []byte {
	var b strings.Builder
	b.WriteString(strconv.Itoa(int(req)))
	for _, a := range args {
		b.WriteByte(' ')
		fmt.Fprint(&b, a)
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

// ParsePacketLen validates the length argument of a PACKET request.
func ParsePacketLen(l Line) (uint, error) {
	if len(l.Args) != 1 {
		return 0, fmt.Errorf("%w: PACKET wants 1 argument, got %d", ErrMalformed, len(l.Args))
	}
	n, err := strconv.ParseUint(l.Args[0], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: bad PACKET length %q", ErrMalformed, l.Args[0])
	}
	if n == 0 || n > MaxPacketSize {
		return 0, fmt.Errorf("%w: PACKET length %d out of range", ErrMalformed, n)
	}
	return uint(n), nil
}

// ValidName reports whether name is usable as a node name: letters, digits
// and underscores only.
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !(r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}
