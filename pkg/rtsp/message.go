package rtsp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/pierre-dev/airplay2/pkg/cipher"
)

// Request is one parsed RTSP request (§4.7). Grounded on the teacher's
// client-side Request/Response shape in pkg/rtsp/client.go, inverted here to
// the server's read side.
type Request struct {
	Method      string
	URL         string
	CSeq        int
	ContentType string
	Header      map[string]string
	Body        []byte
}

// Response is one RTSP response to be written back to the peer.
type Response struct {
	StatusCode  int
	ContentType string
	Header      map[string]string
	Body        []byte
}

func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 451:
		return "Parameter Not Understood"
	case 470:
		return "Connection Authorization Required"
	case 501:
		return "Not Implemented"
	default:
		return "Unknown"
	}
}

// wireConn wraps a net.Conn, transparently applying the pair-verify
// transport cipher once one is established (§4.7a): before that point bytes
// flow straight through; afterwards every Read/Write is framed and
// ChaCha20-Poly1305 sealed, symmetrically with the client side.
type wireConn struct {
	net.Conn
	br        *bufio.Reader
	transport *cipher.Transport
	plainIn   bytes.Buffer
}

func newWireConn(c net.Conn) *wireConn {
	return &wireConn{Conn: c, br: bufio.NewReaderSize(c, 65536)}
}

// enableCipher switches the connection into encrypted mode for all
// subsequent reads and writes (pair-verify has just completed).
func (w *wireConn) enableCipher(t *cipher.Transport) { w.transport = t }

func (w *wireConn) Read(p []byte) (int, error) {
	if w.transport == nil {
		return w.br.Read(p)
	}
	for w.plainIn.Len() == 0 {
		pt, err := w.transport.DecryptFrame(w.br)
		if err != nil {
			return 0, err
		}
		w.plainIn.Write(pt)
	}
	return w.plainIn.Read(p)
}

func (w *wireConn) Write(p []byte) (int, error) {
	if w.transport == nil {
		return w.Conn.Write(p)
	}
	limit := cipher.FrameLimit()
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > limit {
			chunk = chunk[:limit]
		}
		frame, err := w.transport.EncryptFrame(chunk)
		if err != nil {
			return written, err
		}
		if _, err := w.Conn.Write(frame); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// reader returns a bufio.Reader over the (possibly encrypted) connection
// suitable for line-oriented RTSP header parsing.
func (w *wireConn) reader() *bufio.Reader { return bufio.NewReaderSize(w, 4096) }

// readRequest parses one RTSP request from r (§4.7 wire framing).
func readRequest(r *bufio.Reader) (*Request, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("rtsp: malformed request line %q", line)
	}

	req := &Request{Method: parts[0], URL: parts[1], Header: make(map[string]string)}

	var contentLength int
	for {
		hline, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		hline = strings.TrimSpace(hline)
		if hline == "" {
			break
		}
		idx := strings.IndexByte(hline, ':')
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(hline[:idx])
		value := strings.TrimSpace(hline[idx+1:])
		req.Header[key] = value

		switch strings.ToLower(key) {
		case "cseq":
			req.CSeq, _ = strconv.Atoi(value)
		case "content-length":
			contentLength, _ = strconv.Atoi(value)
		case "content-type":
			req.ContentType = value
		}
	}

	if contentLength > 0 {
		req.Body = make([]byte, contentLength)
		if _, err := io.ReadFull(r, req.Body); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// writeResponse serializes resp to w, echoing cseq and the fixed Server
// header (§4.7 error envelope: "every response carries the request's CSeq
// header and Server: AirTunes/<version>").
func writeResponse(w io.Writer, cseq int, resp *Response) error {
	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("RTSP/1.0 %d %s\r\n", resp.StatusCode, statusText(resp.StatusCode)))
	buf.WriteString(fmt.Sprintf("CSeq: %d\r\n", cseq))
	buf.WriteString("Server: AirTunes/760.20.1\r\n")
	if resp.ContentType != "" {
		buf.WriteString(fmt.Sprintf("Content-Type: %s\r\n", resp.ContentType))
	}
	for k, v := range resp.Header {
		buf.WriteString(fmt.Sprintf("%s: %s\r\n", k, v))
	}
	if len(resp.Body) > 0 {
		buf.WriteString(fmt.Sprintf("Content-Length: %d\r\n", len(resp.Body)))
	}
	buf.WriteString("\r\n")
	buf.Write(resp.Body)

	_, err := w.Write(buf.Bytes())
	return err
}

// parseTextParameters decodes a "text/parameters" body (CRLF-separated
// "key: value" pairs, §6) into a map.
func parseTextParameters(body []byte) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(string(body), "\r\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if idx := strings.IndexByte(line, ':'); idx > 0 {
			out[strings.TrimSpace(line[:idx])] = strings.TrimSpace(line[idx+1:])
		}
	}
	return out
}
