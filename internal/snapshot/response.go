package snapshot

import (
	"fmt"
	"io"
	"net"
	"net/http"
)

const textPlain = "text/plain"

type response struct {
	code        int
	contentType string
	body        []byte
}

func statusResponse(code int) response {
	return response{
		code:        code,
		contentType: textPlain,
		body:        []byte(http.StatusText(code)),
	}
}

// WriteTo writes the status line, the two headers and the body.
func (r response) WriteTo(w io.Writer) (int64, error) {
	head := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n",
		r.code, http.StatusText(r.code), r.contentType, len(r.body))

	bufs := net.Buffers{[]byte(head)}
	if len(r.body) > 0 {
		bufs = append(bufs, r.body)
	}
	return bufs.WriteTo(w)
}
