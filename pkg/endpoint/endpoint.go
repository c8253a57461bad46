// Package endpoint describes the WebSocket addresses the bridge connects to.
package endpoint

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Conventional channel paths served by the fleet backend
const (
	RobotsPath = "/ws/robots"
	TasksPath  = "/ws/tasks"
)

// Endpoint identifies one channel's server address. The zero value is not usable;
// build endpoints with Parse or Join.
type Endpoint struct {
	Scheme string
	Host   string
	Port   int
	Path   string
}

// ConfigurationError reports an endpoint that can never be connected to
type ConfigurationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Field == "":
		return fmt.Sprintf("invalid endpoint %q: %s", e.Value, e.Reason)
	case e.Value == "":
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	default:
		return fmt.Sprintf("%s: invalid value %q: %s", e.Field, e.Value, e.Reason)
	}
}

// Parse validates a ws:// or wss:// URL
func Parse(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, &ConfigurationError{Value: raw, Reason: "address is empty"}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, &ConfigurationError{Value: raw, Reason: err.Error()}
	}

	var defaultPort int
	switch u.Scheme {
	case "ws":
		defaultPort = 80
	case "wss":
		defaultPort = 443
	default:
		return Endpoint{}, &ConfigurationError{Value: raw, Reason: "scheme must be ws or wss"}
	}

	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return Endpoint{}, &ConfigurationError{Value: raw, Reason: "userinfo, query and fragment are not supported"}
	}

	host := u.Hostname()
	if host == "" {
		return Endpoint{}, &ConfigurationError{Value: raw, Reason: "host is empty"}
	}

	port := defaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return Endpoint{}, &ConfigurationError{Value: raw, Reason: fmt.Sprintf("invalid port %q", p)}
		}
	} else if strings.HasSuffix(u.Host, ":") {
		return Endpoint{}, &ConfigurationError{Value: raw, Reason: "port is empty"}
	}

	path := u.Path
	if path == "" {
		path = "/"
	}

	return Endpoint{Scheme: u.Scheme, Host: host, Port: port, Path: path}, nil
}

// Join builds a channel endpoint from a base URL and a channel path
func Join(base, path string) (Endpoint, error) {
	ep, err := Parse(base)
	if err != nil {
		return Endpoint{}, err
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	ep.Path = strings.TrimSuffix(ep.Path, "/") + path
	return ep, nil
}

// URL renders the endpoint as a dialable URL
func (e Endpoint) URL() string {
	u := url.URL{
		Scheme: e.Scheme,
		Host:   net.JoinHostPort(e.Host, strconv.Itoa(e.Port)),
		Path:   e.Path,
	}
	return u.String()
}

func (e Endpoint) String() string {
	return e.URL()
}

// IsZero reports whether the endpoint was never set
func (e Endpoint) IsZero() bool {
	return e == Endpoint{}
}
