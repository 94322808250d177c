// Package regexcache compiles PCRE patterns once and shares them between callers.
package regexcache

import (
	"regexp"
	"strings"
	"sync"

	"go.elara.ws/pcre"
)

// Cache holds compiled patterns keyed by their source.
type Cache struct {
	compiled map[string]*pcre.Regexp
	mutex    sync.RWMutex
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		compiled: make(map[string]*pcre.Regexp),
	}
}

// Get returns the compiled form of pattern, compiling it on first use.
func (c *Cache) Get(pattern string) (*pcre.Regexp, error) {
	c.mutex.RLock()
	if re, exists := c.compiled[pattern]; exists {
		c.mutex.RUnlock()
		return re, nil
	}
	c.mutex.RUnlock()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	// Double-check pattern
	if re, exists := c.compiled[pattern]; exists {
		return re, nil
	}

	re, err := pcre.Compile(pattern)
	if err != nil {
		return nil, err
	}
	c.compiled[pattern] = re
	return re, nil
}

// Match reports whether s matches pattern. Invalid patterns never match.
func (c *Cache) Match(pattern, s string) bool {
	re, err := c.Get(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

// Len returns the number of compiled patterns.
func (c *Cache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.compiled)
}

// GlobPattern converts a glob where "*" matches any run of characters into an
// anchored regular expression. Every other character is literal.
func GlobPattern(glob string) string {
	parts := strings.Split(glob, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return "^" + strings.Join(parts, ".*") + "$"
}
