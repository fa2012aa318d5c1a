package variables

import (
	"regexp"
	"strings"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/ratchet-hq/ratchet/pkg/schema"
)

var segmentPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// pathEngine extracts values at dotted paths from a context map using
// compiled gojq queries. Compiled *Code objects are cached and reused
// across goroutines.
type pathEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

func newPathEngine() *pathEngine {
	return &pathEngine{cache: make(map[string]*gojq.Code)}
}

// extract evaluates the dotted path against data. The second return is
// false when the path does not resolve to a present value.
func (e *pathEngine) extract(path string, data map[string]any) (any, bool) {
	code, err := e.getOrCompile(path)
	if err != nil {
		return nil, false
	}

	iter := code.Run(data)
	val, ok := iter.Next()
	if !ok {
		return nil, false
	}
	if _, isErr := val.(error); isErr {
		return nil, false
	}
	if val == nil {
		// gojq yields null both for "key present with null value" and
		// "key absent"; distinguish by probing the parent object.
		return nil, keyPresent(path, data)
	}
	return val, true
}

func (e *pathEngine) getOrCompile(path string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[path]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	query, err := parsePath(path)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.cache[path]; ok {
		return code, nil
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "compile path %q: %s", path, err.Error()).WithCause(err)
	}
	e.cache[path] = code
	return code, nil
}

// parsePath turns "task.assignee.email" into the jq query ".task.assignee.email?".
// Only plain identifier segments are accepted; anything else (pipes,
// functions, indexing) is rejected so the projection stays closed.
func parsePath(path string) (*gojq.Query, error) {
	segments := strings.Split(path, ".")
	for _, seg := range segments {
		if !segmentPattern.MatchString(seg) {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "invalid path segment %q in %q", seg, path)
		}
	}
	return gojq.Parse("." + strings.Join(segments, ".") + "?")
}

func keyPresent(path string, data map[string]any) bool {
	segments := strings.Split(path, ".")
	current := data
	for i, seg := range segments {
		v, ok := current[seg]
		if !ok {
			return false
		}
		if i == len(segments)-1 {
			return true
		}
		next, isMap := v.(map[string]any)
		if !isMap {
			return false
		}
		current = next
	}
	return false
}
