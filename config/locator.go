package config

import (
	"fmt"
	"regexp"
	"strings"
)

// ContainerSuffix is appended to a locator name to form the container name.
const ContainerSuffix = "--toil"

// Provider names accepted in a locator.
const (
	ProviderAWS     = "aws"
	ProviderMinio   = "minio"
	ProviderGoCloud = "gocloud"
	ProviderRedis   = "redis"
	ProviderMongoDB = "mongodb"
)

var providerAliases = map[string]string{
	"aws":     ProviderAWS,
	"s3":      ProviderAWS,
	"minio":   ProviderMinio,
	"gocloud": ProviderGoCloud,
	"mem":     ProviderGoCloud,
	"file":    ProviderGoCloud,
	"gs":      ProviderGoCloud,
	"redis":   ProviderRedis,
	"mongodb": ProviderMongoDB,
	"gridfs":  ProviderMongoDB,
}

// Container names end up as bucket names, so names stay within the DNS-safe
// subset and leave room for the suffix inside the 63 character limit.
var locatorName = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,55}[a-z0-9]$|^[a-z0-9]$`)

// Locator names a job store: the provider that holds it and its name.
type Locator struct {
	Provider string
	// Scheme is the provider as written, e.g. "file" for the gocloud provider.
	Scheme string
	Name   string
}

// ParseLocator parses "<provider>:<name>".
func ParseLocator(s string) (Locator, error) {
	scheme, name, ok := strings.Cut(s, ":")
	if !ok {
		return Locator{}, fmt.Errorf("invalid locator %q: expected <provider>:<name>", s)
	}
	provider, ok := providerAliases[strings.ToLower(scheme)]
	if !ok {
		return Locator{}, fmt.Errorf("invalid locator %q: unknown provider %q", s, scheme)
	}
	if !locatorName.MatchString(name) {
		return Locator{}, fmt.Errorf("invalid locator %q: name must be lower case letters, digits and dashes", s)
	}
	if strings.Contains(name, "--") {
		return Locator{}, fmt.Errorf("invalid locator %q: name must not contain %q", s, "--")
	}
	return Locator{Provider: provider, Scheme: strings.ToLower(scheme), Name: name}, nil
}

// Container returns the backend container name, <name>--toil.
func (l Locator) Container() string {
	return l.Name + ContainerSuffix
}

func (l Locator) String() string {
	return l.Scheme + ":" + l.Name
}
