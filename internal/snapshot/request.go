package snapshot

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var errMalformed = errors.New("malformed request")

// request is the part of an HTTP request the router cares about.
type request struct {
	method string
	target string
	path   string
}

// parseRequest parses one complete HTTP/1.x request from buf. The request
// line, headers and any declared body must account for every byte: a
// truncated request, or trailing bytes after it, is malformed.
func parseRequest(buf []byte) (request, error) {
	src := bytes.NewReader(buf)
	br := bufio.NewReaderSize(src, len(buf))

	req, err := http.ReadRequest(br)
	if err != nil {
		return request{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	defer req.Body.Close()

	if _, err := io.Copy(io.Discard, req.Body); err != nil {
		return request{}, fmt.Errorf("%w: body: %v", errMalformed, err)
	}
	if rest := br.Buffered() + src.Len(); rest > 0 {
		return request{}, fmt.Errorf("%w: %d unparsed bytes", errMalformed, rest)
	}

	return request{
		method: req.Method,
		target: req.RequestURI,
		path:   req.URL.Path,
	}, nil
}
