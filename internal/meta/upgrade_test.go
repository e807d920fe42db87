package meta

import (
	"strings"
	"testing"

	cv "github.com/glycerine/goconvey/convey"

	"meshd/internal/crypto"
)

// greeter mimics the handshake layer: it answers a greeting with its own,
// turns on outbound encryption right after sending it, and turns on inbound
// decryption right after reading the peer's greeting.
type greeter struct {
	self    string
	out, in Cipher
	sent    bool
	lines   []string
}

func (g *greeter) greet(c *Conn) error {
	if err := c.Send([]byte("0 " + g.self + "\n")); err != nil {
		return err
	}
	g.sent = true
	c.SetOutCipher(g.out)
	return nil
}

func (g *greeter) HandleRequest(c *Conn, line []byte) error {
	s := string(line)
	g.lines = append(g.lines, s)
	if strings.HasPrefix(s, "0 ") {
		c.SetInCipher(g.in)
		if !g.sent {
			return g.greet(c)
		}
	}
	return nil
}

func newGreeterPair(t *testing.T) (*greeter, *greeter) {
	ka, err := crypto.DeriveMetaKeys([]byte("psk"), "alice", "bob", saltA, saltB)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	kb, err := crypto.DeriveMetaKeys([]byte("psk"), "bob", "alice", saltB, saltA)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	oa, ia, err := crypto.NewMetaCiphers(ka)
	if err != nil {
		t.Fatalf("ciphers: %v", err)
	}
	ob, ib, err := crypto.NewMetaCiphers(kb)
	if err != nil {
		t.Fatalf("ciphers: %v", err)
	}
	return &greeter{self: "alice", out: oa, in: ia}, &greeter{self: "bob", out: ob, in: ib}
}

func TestIndependentDirectionUpgrade(t *testing.T) {
	cv.Convey("given two peers that upgrade each direction at a different time", t, func() {
		ga, gb := newGreeterPair(t)
		ta, tb := newLoopbackPair(3)
		alice := NewConn("bob", "", ta, Options{Requests: ga})
		bob := NewConn("alice", "", tb, Options{Requests: gb})

		cv.So(ga.greet(alice), cv.ShouldBeNil)
		cv.So(alice.EncryptOut(), cv.ShouldBeTrue)
		cv.So(alice.DecryptIn(), cv.ShouldBeFalse)

		// Alice talks encrypted before Bob has even read her greeting.
		cv.So(alice.Send([]byte("8\n")), cv.ShouldBeNil)

		cv.Convey("bob decrypts everything after alice's plaintext greeting", func() {
			cv.So(drainAll(bob, tb), cv.ShouldBeNil)
			cv.So(gb.lines, cv.ShouldResemble, []string{"0 alice", "8"})
			cv.So(bob.DecryptIn(), cv.ShouldBeTrue)
			cv.So(bob.EncryptOut(), cv.ShouldBeTrue)

			cv.Convey("and alice decrypts bob's replies after his greeting", func() {
				cv.So(bob.Send([]byte("9\n")), cv.ShouldBeNil)
				cv.So(drainAll(alice, ta), cv.ShouldBeNil)
				cv.So(ga.lines, cv.ShouldResemble, []string{"0 bob", "9"})
				cv.So(alice.DecryptIn(), cv.ShouldBeTrue)

				cv.Convey("and both directions keep the same plaintext digest", func() {
					cv.So(alice.Stats().OutDigest, cv.ShouldEqual, bob.Stats().InDigest)
					cv.So(bob.Stats().OutDigest, cv.ShouldEqual, alice.Stats().InDigest)
				})
			})
		})
	})
}
