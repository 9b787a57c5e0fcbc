package bt

import (
	"errors"
	"strings"
)

var (
	ErrNoConnectedDevice      = errors.New("no connected device")
	ErrUnknownDevice          = errors.New("unknown device")
	ErrServiceNotFound        = errors.New("service not found on device")
	ErrCharacteristicNotFound = errors.New("characteristic not found in service")
	ErrConnectionTimeout      = errors.New("timed out waiting for connection")
)

// MatchesNamePrefix reports whether an advertised local name passes the scan
// filter. The match is case sensitive, and unnamed advertisers never match,
// not even with an empty prefix.
func MatchesNamePrefix(localName string, namePrefix string) bool {
	if localName == "" || localName == unknownLocalName {
		return false
	}
	return strings.HasPrefix(localName, namePrefix)
}
