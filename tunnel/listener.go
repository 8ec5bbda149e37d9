package tunnel

// ssh.Client.Listen matches forwarded-tcpip channels against the exact
// bind address it sent.  Relay services often echo a different one
// ("0.0.0.0" for ""), and the library then rejects every channel with
// "no forward for address".  remoteListener sends tcpip-forward itself
// and takes every forwarded-tcpip channel on the connection.

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// forwardRequest is the tcpip-forward / cancel-tcpip-forward payload
// (RFC 4254 section 7.1).
type forwardRequest struct {
	Addr string
	Port uint32
}

// forwardReply carries the server-chosen port when 0 was requested.
type forwardReply struct {
	Port uint32
}

// forwardedChannel is the forwarded-tcpip open payload (RFC 4254
// section 7.2).
type forwardedChannel struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// remoteListener is a [net.Listener] over forwarded-tcpip channels.
type remoteListener struct {
	client   *ssh.Client
	req      forwardRequest
	incoming <-chan ssh.NewChannel
	done     chan struct{}
	once     sync.Once
}

func (l *remoteListener) Accept() (net.Conn, error) {
	for {
		select {
		case <-l.done:
			return nil, io.EOF
		case newCh, ok := <-l.incoming:
			if !ok {
				return nil, io.EOF
			}
			ch, reqs, err := newCh.Accept()
			if err != nil {
				// One failed channel should not stop the listener.
				continue
			}
			go ssh.DiscardRequests(reqs)

			var origin net.Addr = &net.TCPAddr{}
			var payload forwardedChannel
			if err := ssh.Unmarshal(newCh.ExtraData(), &payload); err == nil {
				origin = &net.TCPAddr{
					IP:   net.ParseIP(payload.OriginAddr),
					Port: int(payload.OriginPort),
				}
			}
			return &channelConn{Channel: ch, remote: origin, local: l.Addr()}, nil
		}
	}
}

// Close cancels the remote forward and unblocks Accept.
func (l *remoteListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		// The connection may already be gone.
		l.client.SendRequest("cancel-tcpip-forward", true, ssh.Marshal(&l.req)) //nolint:errcheck
	})
	return nil
}

func (l *remoteListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(l.req.Addr), Port: int(l.req.Port)}
}

// channelConn adapts an [ssh.Channel] to [net.Conn].  Deadlines are
// not supported by SSH channels and are accepted as no-ops.
type channelConn struct {
	ssh.Channel
	local, remote net.Addr
}

func (c *channelConn) LocalAddr() net.Addr                { return c.local }
func (c *channelConn) RemoteAddr() net.Addr               { return c.remote }
func (c *channelConn) SetDeadline(_ time.Time) error      { return nil }
func (c *channelConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c *channelConn) SetWriteDeadline(_ time.Time) error { return nil }

// listenRemoteForward asks the server to listen on bindAddr:bindPort
// and returns the listener for the forwarded channels.
func listenRemoteForward(client *ssh.Client, bindAddr string, bindPort int) (net.Listener, error) {
	// Must be registered before the server can open a channel.
	incoming := client.HandleChannelOpen("forwarded-tcpip")
	if incoming == nil {
		return nil, fmt.Errorf("forwarded-tcpip handler already registered")
	}

	req := forwardRequest{Addr: bindAddr, Port: uint32(bindPort)}
	ok, reply, err := client.SendRequest("tcpip-forward", true, ssh.Marshal(&req))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("tcpip-forward %s denied by server",
			net.JoinHostPort(bindAddr, strconv.Itoa(bindPort)))
	}
	if bindPort == 0 {
		var r forwardReply
		if err := ssh.Unmarshal(reply, &r); err == nil {
			req.Port = r.Port
		}
	}

	return &remoteListener{
		client:   client,
		req:      req,
		incoming: incoming,
		done:     make(chan struct{}),
	}, nil
}
