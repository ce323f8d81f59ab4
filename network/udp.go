package network

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

const RECV_BUFFER_SIZE = 8192

// UDPSocket is the default NonBlockingSocket over a single UDP port shared
// by all endpoints of a session.
type UDPSocket struct {
	Conn *net.UDPConn
}

func NewUDPSocket(port uint16) (*UDPSocket, error) {
	localAddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", localAddr)
	if err != nil {
		return nil, err
	}
	logrus.Info(fmt.Sprintf("binding udp socket to port %d.", port))
	return &UDPSocket{Conn: conn}, nil
}

func (s *UDPSocket) SendTo(addr string, data []byte) {
	remote, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		logrus.Error("udp send resolve error: ", err)
		return
	}
	if _, err := s.Conn.WriteToUDP(data, remote); err != nil {
		logrus.Error("udp send error: ", err)
	}
}

func (s *UDPSocket) ReceiveAll() []Datagram {
	var received []Datagram
	buffer := make([]byte, RECV_BUFFER_SIZE)

	// a deadline in the past turns every read into a non-blocking drain
	if err := s.Conn.SetReadDeadline(time.Now()); err != nil {
		logrus.Error("udp deadline error: ", err)
		return received
	}

	for {
		length, from, err := s.Conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); !ok || !netErr.Timeout() {
				logrus.Error("udp receive error: ", err)
			}
			return received
		}
		data := make([]byte, length)
		copy(data, buffer[:length])
		received = append(received, Datagram{Addr: from.String(), Data: data})
	}
}

func (s *UDPSocket) Close() {
	if s.Conn != nil {
		s.Conn.Close()
	}
}
