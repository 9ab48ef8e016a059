package cache

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// KindSchema is the key kind for entity schemas.
const KindSchema = "schema"

// CacheKey identifies a cached value within one Dataverse environment.
type CacheKey struct {
	// Environment is the organization URL, e.g. https://org.crm.dynamics.com.
	Environment string

	// Kind groups values of the same shape, e.g. KindSchema.
	Kind string

	// Name is the item name, e.g. an entity logical name.
	Name string
}

// SchemaKey returns the key of an entity schema.
func SchemaKey(environment, logicalName string) CacheKey {
	return CacheKey{Environment: environment, Kind: KindSchema, Name: logicalName}
}

// String generates a deterministic cache key string.
// Format: dataverse:<env-hash>:<kind>:<name>
//
// Example:
//
//	dataverse:9f86d081884c7d65:schema:account
func (k CacheKey) String() string {
	parts := []string{EnvironmentPrefix(k.Environment)}
	if k.Kind != "" {
		parts = append(parts, k.Kind)
	}
	if name := strings.ToLower(strings.TrimSpace(k.Name)); name != "" {
		parts = append(parts, name)
	}
	return strings.Join(parts, ":")
}

// EnvironmentPrefix returns the key prefix shared by all keys of environment.
// Scheme, case and trailing slashes do not affect it.
func EnvironmentPrefix(environment string) string {
	return "dataverse:" + strconv.FormatUint(xxhash.Sum64String(normalizeEnvironment(environment)), 16)
}

func normalizeEnvironment(environment string) string {
	env := strings.ToLower(strings.TrimSpace(environment))
	env = strings.TrimPrefix(env, "https://")
	env = strings.TrimPrefix(env, "http://")
	return strings.TrimRight(env, "/")
}
