package transport

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"strings"
)

const (
	SchemeTCP    = "tcp"
	SchemeInproc = "inproc"
	SchemeWS     = "ws"

	parseCacheSize = 1024
)

// Endpoint is a parsed endpoint string such as "tcp://host:1234" or
// "inproc://name".
type Endpoint struct {
	Scheme  string
	Address string
}

func (e Endpoint) String() string {
	return e.Scheme + "://" + e.Address
}

// Endpoints recur across reconnects and across managers in the same process so
// successful parses are cached.
var parseCache = mustNewParseCache()

func mustNewParseCache() *lru.Cache {
	cache, err := lru.New(parseCacheSize)
	if err != nil {
		panic(err)
	}
	return cache
}

// ParseEndpoint parses "scheme://address". Supported schemes are tcp, inproc
// and ws.
func ParseEndpoint(endpoint string) (Endpoint, error) {
	if cached, ok := parseCache.Get(endpoint); ok {
		return cached.(Endpoint), nil
	}
	pos := strings.Index(endpoint, "://")
	if pos == -1 {
		return Endpoint{}, errors.Errorf("invalid endpoint '%s': expected scheme://address", endpoint)
	}
	scheme := endpoint[:pos]
	address := endpoint[pos+3:]
	switch scheme {
	case SchemeTCP, SchemeInproc, SchemeWS:
	default:
		return Endpoint{}, errors.Errorf("invalid endpoint '%s': unsupported scheme '%s'", endpoint, scheme)
	}
	if address == "" {
		return Endpoint{}, errors.Errorf("invalid endpoint '%s': empty address", endpoint)
	}
	ep := Endpoint{Scheme: scheme, Address: address}
	parseCache.Add(endpoint, ep)
	return ep, nil
}
