package server

// Policy decides whether the next incoming connection is admitted.
type Policy func() bool

// AllowAll admits every connection.
func AllowAll() bool { return true }

// DenyAll refuses every connection.
func DenyAll() bool { return false }

// MaxConnections admits while fewer than n connections are open.
func MaxConnections(srv *Server, n int) Policy {
	return func() bool {
		return srv.ConnectionCount() < n
	}
}
