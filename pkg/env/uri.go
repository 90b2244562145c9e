package env

import (
	"strings"

	"github.com/nainya/hamstore/pkg/herr"
)

// remoteScheme is the URI scheme that denotes a network environment.
// The wire protocol to a remote server is out of scope
// for this package; ParseURI only recognizes the scheme so a caller
// can reject it with a clear error instead of trying to open it as a
// local file path.
const remoteScheme = "remote://"

// ParseURI resolves an environment URI to a local filesystem path. A
// `remote://host:port/name` URI returns ErrRemoteUnsupported: routing
// core operations to a remote server is a front-end concern, not part
// of this core engine.
func ParseURI(uri string) (string, error) {
	if strings.HasPrefix(uri, remoteScheme) {
		return "", ErrRemoteUnsupported
	}
	return uri, nil
}

// ErrRemoteUnsupported is returned by ParseURI for remote:// URIs.
var ErrRemoteUnsupported = herr.New(herr.InvalidParameter)
