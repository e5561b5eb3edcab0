// Package dashboard serves the embedded status board.
//
// The board shows one tile per target with its icon, status colour and
// latency. It renders whatever /status returns, then keeps itself current
// from the /api/ws push stream; when the socket drops it polls /status every
// 7 seconds until it can reconnect. Its refresh button calls
// /status?refresh=1 and does not wait for the new cycle, which arrives over
// the socket like any other.
package dashboard

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed assets
var assets embed.FS

// Handler returns an HTTP handler for the board's page and its static assets.
// The page itself is marked no-cache so a new build's markup is picked up on
// reload.
func Handler() http.Handler {
	sub, err := fs.Sub(assets, "assets")
	if err != nil {
		// assets is embedded at build time.
		panic(err)
	}
	files := http.FileServer(http.FS(sub))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" || r.URL.Path == "/index.html" {
			w.Header().Set("Cache-Control", "no-cache")
		}
		files.ServeHTTP(w, r)
	})
}
