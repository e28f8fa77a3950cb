package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/yolobridge/pkg/www"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) setupHttpRoutes() {
	router := httprouter.New()

	handle := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, handle)
	}

	// Only the prediction methods are rate limited. Instance management is cheap.
	methodPlain := s.httpMethod
	methodLimited := www.RateLimited(s.httpMethod, s.Config.PredictRateLimit, time.Minute)
	handle("POST", "/api/method/:name", func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		if isPredictionMethod(params.ByName("name")) {
			methodLimited(w, r, params)
		} else {
			methodPlain(w, r, params)
		}
	})

	handle("GET", "/api/ping", s.httpPing)
	handle("GET", "/api/instances/:id/stream", www.RateLimited(s.httpStream, s.Config.PredictRateLimit, time.Minute))

	s.httpRouter = router
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendOK(w)
}
