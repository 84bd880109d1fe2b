package gateway

import (
	"log/slog"
	"net"
	"net/http"
)

// Identity headers injected by the Tailscale proxy.
const (
	headerUserLogin = "Tailscale-User-Login"
	headerUserName  = "Tailscale-User-Name"
)

// identityMiddleware enforces the allowed-users list. Loopback clients
// bypass the check so local tooling keeps working without headers.
func identityMiddleware(allowedUsers func() []string, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed := allowedUsers()
		if len(allowed) == 0 || isLoopback(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}
		login := r.Header.Get(headerUserLogin)
		for _, u := range allowed {
			if u == login {
				next.ServeHTTP(w, r)
				return
			}
		}
		logger.Warn("identity_rejected",
			"login", login,
			"user_name", r.Header.Get(headerUserName),
			"remote", r.RemoteAddr,
			"path", r.URL.Path,
		)
		http.Error(w, "Forbidden", http.StatusForbidden)
	})
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
