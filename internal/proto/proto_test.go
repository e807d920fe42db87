package proto

import (
	"errors"
	"testing"
)

func TestParseLine(t *testing.T) {
	l, err := ParseLine([]byte("17 1500"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if l.Req != Packet || len(l.Args) != 1 || l.Args[0] != "1500" {
		t.Fatalf("unexpected parse result %+v", l)
	}
	n, err := ParsePacketLen(l)
	if err != nil || n != 1500 {
		t.Fatalf("packet len: n=%d err=%v", n, err)
	}
}

func TestParseLineErrors(t *testing.T) {
	cases := []struct {
		in   string
		want error
	}{
		{in: "", want: ErrMalformed},
		{in: "   ", want: ErrMalformed},
		{in: "ping", want: ErrMalformed},
		{in: "-1", want: ErrUnknownRequest},
		{in: "18", want: ErrUnknownRequest},
	}
	for _, tc := range cases {
		if _, err := ParseLine([]byte(tc.in)); !errors.Is(err, tc.want) {
			t.Fatalf("ParseLine(%q) err=%v want %v", tc.in, err, tc.want)
		}
	}
}

func TestParsePacketLenBounds(t *testing.T) {
	for _, in := range []string{"17", "17 0", "17 -3", "17 abc", "17 65537", "17 1 2"} {
		l, err := ParseLine([]byte(in))
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if _, err := ParsePacketLen(l); !errors.Is(err, ErrMalformed) {
			t.Fatalf("ParsePacketLen(%q) err=%v", in, err)
		}
	}
}

func TestFormat(t *testing.T) {
	if got := string(Format(ID, "alice", ProtocolVersion)); got != "0 alice 17\n" {
		t.Fatalf("unexpected ID line %q", got)
	}
	if got := string(Format(Ping)); got != "8\n" {
		t.Fatalf("unexpected PING line %q", got)
	}
}

func TestRequestNames(t *testing.T) {
	if Packet.String() != "PACKET" || ID.String() != "ID" {
		t.Fatalf("unexpected names %s %s", Packet, ID)
	}
	if Request(42).String() != "UNKNOWN(42)" {
		t.Fatalf("unexpected unknown name %s", Request(42))
	}
	if !AddEdge.Forwarded() || Ping.Forwarded() {
		t.Fatalf("unexpected forwarded classification")
	}
}

func TestValidName(t *testing.T) {
	for _, ok := range []string{"alice", "node_1", "X"} {
		if !ValidName(ok) {
			t.Fatalf("expected %q valid", ok)
		}
	}
	for _, bad := range []string{"", "a b", "a-b", "ünï", "a\n"} {
		if ValidName(bad) {
			t.Fatalf("expected %q invalid", bad)
		}
	}
}
