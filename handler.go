package wsstream

import (
	"net/http"

	"github.com/fasthttp/websocket"
	gorilla "github.com/gorilla/websocket"
	"github.com/valyala/fasthttp"
)

// HTTPHandler upgrades net/http requests with upgrader and calls serve with the resulting
// stream. The stream is closed once serve returns. Headers set through WithHeader are added
// to the upgrade response.
func HTTPHandler(upgrader *gorilla.Upgrader, serve func(*Stream), opts ...Option) http.Handler {
	o := newOptions(opts...)
	logger := o.logger.WithField("net", "http_handler")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, o.header)
		o.metrics.addHandshake("server", err)
		if err != nil {
			// The upgrader already replied with an HTTP error.
			logger.Warnf("upgrade of %s failed: %s", r.RemoteAddr, err)
			return
		}

		s := newStream(newUpgradeProvider(conn, o), o)
		defer s.Close()
		serve(s)
	})
}

// FastHTTPHandler is HTTPHandler for fasthttp servers. serve runs on the hijacked connection
// and the stream is closed once it returns.
func FastHTTPHandler(upgrader *websocket.FastHTTPUpgrader, serve func(*Stream), opts ...Option) fasthttp.RequestHandler {
	o := newOptions(opts...)
	logger := o.logger.WithField("net", "fasthttp_handler")

	return func(ctx *fasthttp.RequestCtx) {
		err := upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			s := newStream(newUpgradeProvider(conn, o), o)
			defer s.Close()
			serve(s)
		})
		o.metrics.addHandshake("server", err)
		if err != nil {
			logger.Warnf("upgrade of %s failed: %s", ctx.RemoteAddr(), err)
		}
	}
}
