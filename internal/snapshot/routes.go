package snapshot

import "net/http"

const routeOther = "other"

var slotRoutes = map[string]Slot{
	"/config":     Config,
	"/frame.jpg":  Frame,
	"/motion.bin": Motion,
}

// route resolves a parsed GET request. It returns the response and the
// metrics label for the matched route.
func (s *Server) route(req request) (response, string) {
	if req.path == "/ping" {
		return response{
			code:        http.StatusOK,
			contentType: textPlain,
			body:        []byte(req.target),
		}, req.path
	}

	if slot, ok := slotRoutes[req.path]; ok {
		return response{
			code:        http.StatusOK,
			contentType: slot.ContentType(),
			body:        s.cache.Read(slot),
		}, req.path
	}

	return statusResponse(http.StatusNotFound), routeOther
}
