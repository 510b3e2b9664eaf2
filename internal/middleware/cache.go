package middleware

import (
	"bytes"
	"net/http"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/singleflight"
)

type cacheEntry struct {
	Status  int
	Header  http.Header
	Body    []byte
	Expires time.Time
}

// Cache is the in-process L1 response cache keyed by a content-addressed
// digest of method+host+path+query (zeebo/xxh3, same hashing choice as
// the proxy's consistent-hash ring — spec §5's "shared hashing" note).
// Concurrent stores of the same key are deduplicated with
// golang.org/x/sync/singleflight; concurrent misses on one key are not
// collapsed, and each of them reaches the backend. A remote L2/disk L3 tier is out of scope for this build;
// the component is structured so one can be layered in behind Lookup
// without changing Chain's call sites.
type Cache struct {
	entries *xsync.Map[uint64, cacheEntry]
	group   singleflight.Group
	ttl     time.Duration
}

func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{entries: xsync.NewMap[uint64, cacheEntry](), ttl: ttl}
}

func cacheKey(r *http.Request) uint64 {
	var b bytes.Buffer
	b.WriteString(r.Method)
	b.WriteByte('|')
	b.WriteString(r.Host)
	b.WriteByte('|')
	b.WriteString(r.URL.Path)
	b.WriteByte('|')
	b.WriteString(r.URL.RawQuery)
	return xxh3.Hash(b.Bytes())
}

func cacheable(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	cc := r.Header.Get("Cache-Control")
	return cc != "no-store" && cc != "no-cache"
}

func (c *Cache) Lookup(r *http.Request) (cacheEntry, bool) {
	if !cacheable(r) {
		return cacheEntry{}, false
	}
	entry, ok := c.entries.Load(cacheKey(r))
	if !ok || time.Now().After(entry.Expires) {
		return cacheEntry{}, false
	}
	return entry, true
}

func (c *Cache) WriteHit(w http.ResponseWriter, entry cacheEntry) {
	for k, vs := range entry.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Cache", "HIT")
	w.WriteHeader(entry.Status)
	_, _ = w.Write(entry.Body)
}

// MaybeStore captures a response recorded by the Compressor's recorder
// and, if the request was cacheable and the upstream response carries
// no store-preventing directive, stores it under the request's digest.
// Concurrent stores for the same key are deduplicated via singleflight
// so a thundering herd of identical misses writes the entry once.
func (c *Cache) MaybeStore(r *http.Request, rec *responseRecorder) {
	if !cacheable(r) || rec == nil {
		return
	}
	cc := rec.Header().Get("Cache-Control")
	if cc == "no-store" || cc == "private" {
		return
	}
	status := rec.StatusOrDefault()
	if status < 200 || status >= 400 {
		return
	}
	key := cacheKey(r)
	keyStr := strconv.FormatUint(key, 36)
	c.group.DoChan(keyStr, func() (interface{}, error) {
		hdr := rec.Header().Clone()
		c.entries.Store(key, cacheEntry{
			Status:  status,
			Header:  hdr,
			Body:    append([]byte(nil), rec.body.Bytes()...),
			Expires: time.Now().Add(c.ttl),
		})
		return nil, nil
	})
}
