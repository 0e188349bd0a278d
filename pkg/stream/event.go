package stream

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"

	"github.com/rs/zerolog"
)

const msgTypeAnnounce = 0xD7

// ServeEvent accepts exactly one client on ln and reads length-prefixed
// frames (4-byte big-endian length, then a flags byte and a type byte)
// (§4.8a). Only the "time announce" (0xD7) message is recognized;
// everything else is logged and discarded. It returns when the accepted
// connection closes or sends a frame shorter than 2 bytes, or when
// ln.Close() interrupts the accept; no second client is accepted, and ln is
// left open for its owner to close.
func ServeEvent(ln net.Listener, log zerolog.Logger) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	r := bufio.NewReaderSize(conn, 4096)
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return
		}
		length := binary.BigEndian.Uint32(lenBuf[:])
		if length < 2 {
			return
		}

		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			return
		}

		msgType := body[1]
		if msgType == msgTypeAnnounce {
			log.Info().Msg("event: time announce received")
		} else {
			log.Debug().Uint8("type", msgType).Msg("event: unrecognized message")
		}
	}
}
