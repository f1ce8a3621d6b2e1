package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"

	cacheerrors "github.com/objectfs/artifactcache/pkg/errors"
	"github.com/objectfs/artifactcache/pkg/types"
)

// MaxKeyLength bounds caller supplied keys; keys name files on disk
const MaxKeyLength = 200

var validKey = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// KeyInput holds everything that identifies a rendered artifact
type KeyInput struct {
	Component    string
	Viewport     types.Viewport
	Theme        string
	Options      map[string]any
	Dependencies []string
}

// KeyInputFromDescriptor converts a lookup descriptor into key input
func KeyInputFromDescriptor(desc types.LookupDescriptor) KeyInput {
	return KeyInput{
		Component:    desc.Component,
		Viewport:     desc.Viewport,
		Theme:        desc.Theme,
		Options:      desc.Options,
		Dependencies: desc.Dependencies,
	}
}

// KeyGenerator derives stable cache keys
type KeyGenerator struct {
	deps *DependencyTracker
}

// NewKeyGenerator creates a key generator using deps for fingerprints
func NewKeyGenerator(deps *DependencyTracker) *KeyGenerator {
	return &KeyGenerator{deps: deps}
}

// Generate returns the hex sha256 of the component, viewport, theme, canonical
// options and dependency fingerprint. It always returns a key.
func (g *KeyGenerator) Generate(in KeyInput) string {
	fields := []string{
		in.Component,
		in.Viewport.String(),
		in.Theme,
		CanonicalOptions(in.Options),
		g.deps.Fingerprint(in.Dependencies),
	}

	// a JSON array keeps field boundaries unambiguous
	encoded, _ := json.Marshal(fields)
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// CanonicalOptions serializes options as JSON with sorted object keys.
// Values JSON cannot represent are rendered with %v so the result is still
// deterministic for a given input.
func CanonicalOptions(options map[string]any) string {
	if len(options) == 0 {
		return "{}"
	}
	data, err := json.Marshal(normalize(options))
	if err != nil {
		// fmt prints maps in key order
		return fmt.Sprintf("!%v", normalize(options))
	}
	return string(data)
}

// normalize converts YAML-decoded maps (map[interface{}]interface{}) into
// string keyed maps so encoding/json accepts them. encoding/json sorts map
// keys on output.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

// ValidateKey checks a caller supplied key
func ValidateKey(key string) error {
	if key == "" {
		return cacheerrors.NewError(cacheerrors.ErrCodeValidationFailed, "cache key is empty")
	}
	if len(key) > MaxKeyLength {
		return cacheerrors.Newf(cacheerrors.ErrCodeValidationFailed,
			"cache key is %d bytes, limit is %d", len(key), MaxKeyLength).WithKey(key[:32])
	}
	if !validKey.MatchString(key) {
		return cacheerrors.NewError(cacheerrors.ErrCodeValidationFailed,
			"cache key may only contain letters, digits, '.', '_' and '-'").WithKey(key)
	}
	return nil
}
