package fabrichost

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// DeriveDeploymentIdentity maps a service locator and optional partition to
// the identity every node of that service partition shares. The result only
// contains [A-Za-z0-9_] plus, for partitioned services, an '@' suffix.
//
// A nil partition is treated as Singleton.
func DeriveDeploymentIdentity(locator *url.URL, p Partition) (string, error) {
	if locator == nil {
		return "", fmt.Errorf("%w: nil service locator", ErrInvalidLocator)
	}

	path := locatorPath(locator)
	if path == "" {
		return "", fmt.Errorf("%w: %q has no path", ErrInvalidLocator, locator.String())
	}
	serviceID := sanitize(path)

	suffix, err := partitionKey(p)
	if err != nil {
		return "", err
	}
	if suffix == "" {
		return serviceID, nil
	}
	return serviceID + "@" + suffix, nil
}

// NodeName returns the node identity for one instance of a deployment.
func NodeName(deploymentID string, instanceID int64) string {
	return deploymentID + "_" + hexUpper(instanceID)
}

// locatorPath returns the escaped path and query of a locator without
// surrounding slashes, so "%2F" and "/" stay distinct. Opaque URIs such as
// "fabric:App/Svc" carry the path in Opaque.
func locatorPath(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = u.Opaque
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return strings.Trim(path, "/")
}

func partitionKey(p Partition) (string, error) {
	switch p := p.(type) {
	case nil, Singleton:
		return "", nil
	case Int64Range:
		return hexUpper(p.Low) + "_" + hexUpper(p.High), nil
	case Named:
		return p.Name, nil
	default:
		return "", fmt.Errorf("%w: %T", ErrInvalidPartitionKind, p)
	}
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if isIdentityChar(r) {
			return r
		}
		return '_'
	}, s)
}

func isIdentityChar(c rune) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}

// hexUpper formats n the way the cluster runtime expects: uppercase hex,
// two's complement for negative values.
func hexUpper(n int64) string {
	return strings.ToUpper(strconv.FormatUint(uint64(n), 16))
}
