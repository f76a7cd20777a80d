package dohgw

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

// snapshotMagic identifies a gateway cache snapshot file, per spec.md §4.3.
const snapshotMagic = "OWCACHE"
const snapshotVersion uint32 = 1

// snapshotHeader is the fixed-size header written at the start of every
// cache snapshot file.
type snapshotHeader struct {
	Magic     [7]byte
	Version   uint32
	Timestamp int64
	Count     uint32
}

// writeSnapshot writes all of items to w as {header}{key sequence}{entry
// sequence}, ordered by selectForSnapshot; any limit on the number of
// entries is applied by the caller (writeSnapshotToFile). This replaces the teacher's
// lru-cache.go JSON-lines format (serialize/deserialize) with the binary
// layout spec.md §4.3 requires, while reusing its dns.Msg.Pack()/Unpack()
// trick for the wire bytes of each cached answer.
func writeSnapshot(w io.Writer, items []*cacheItem) error {
	items = selectForSnapshot(items, 0)

	var hdr snapshotHeader
	copy(hdr.Magic[:], snapshotMagic)
	hdr.Version = snapshotVersion
	hdr.Timestamp = time.Now().Unix()
	hdr.Count = uint32(len(items))

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.BigEndian, hdr); err != nil {
		return err
	}

	// Key sequence: one length-prefixed encoded lruKey per entry.
	for _, item := range items {
		if err := writeKey(bw, item.Key); err != nil {
			return err
		}
	}
	// Entry sequence: one length-prefixed encoded cacheAnswer per entry.
	for _, item := range items {
		if err := writeEntry(bw, item.Answer); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// writeSnapshotToFile atomically replaces filename with a fresh snapshot,
// keeping at most maxItems entries ranked by (access count desc, last
// access desc) when the cache exceeds the save budget.
func writeSnapshotToFile(filename string, items []*cacheItem, maxItems int) error {
	items = selectForSnapshot(items, maxItems)

	dir := filepath.Dir(filename)
	tmp, err := os.CreateTemp(dir, ".cache-snapshot-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if err := writeSnapshot(tmp, items); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, filename)
}

// selectForSnapshot returns items unchanged if maxItems <= 0 or the cache is
// within budget; otherwise it keeps the top maxItems ranked by access count
// descending, then by last-access time descending.
func selectForSnapshot(items []*cacheItem, maxItems int) []*cacheItem {
	if maxItems <= 0 || len(items) <= maxItems {
		return items
	}
	ranked := make([]*cacheItem, len(items))
	copy(ranked, items)
	sort.Slice(ranked, func(i, j int) bool {
		ci, cj := ranked[i].Answer, ranked[j].Answer
		ai, aj := atomic.LoadInt64(&ci.accessCount), atomic.LoadInt64(&cj.accessCount)
		if ai != aj {
			return ai > aj
		}
		return atomic.LoadInt64(&ci.lastAccess) > atomic.LoadInt64(&cj.lastAccess)
	})
	return ranked[:maxItems]
}

func writeKey(w io.Writer, key lruKey) error {
	buf, err := marshalKey(key)
	if err != nil {
		return err
	}
	return writeChunk(w, buf)
}

func writeEntry(w io.Writer, a *cacheAnswer) error {
	buf, err := a.MarshalJSON()
	if err != nil {
		return err
	}
	return writeChunk(w, buf)
}

func writeChunk(w io.Writer, buf []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(buf))); err != nil {
		return err
	}
	_, err := w.Write(buf)
	return err
}

func readChunk(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// readSnapshot reads back a file written by writeSnapshot, skipping expired
// entries (skip_expired_on_load).
func readSnapshot(r io.Reader) ([]*cacheItem, error) {
	br := bufio.NewReader(r)

	var hdr snapshotHeader
	if err := binary.Read(br, binary.BigEndian, &hdr); err != nil {
		return nil, err
	}
	if string(hdr.Magic[:]) != snapshotMagic {
		return nil, fmt.Errorf("not a cache snapshot: bad magic %q", hdr.Magic[:])
	}
	if hdr.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported cache snapshot version %d", hdr.Version)
	}

	keys := make([]lruKey, hdr.Count)
	for i := range keys {
		buf, err := readChunk(br)
		if err != nil {
			return nil, err
		}
		key, err := unmarshalKey(buf)
		if err != nil {
			return nil, err
		}
		keys[i] = key
	}

	now := time.Now()
	items := make([]*cacheItem, 0, hdr.Count)
	for i := uint32(0); i < hdr.Count; i++ {
		buf, err := readChunk(br)
		if err != nil {
			return nil, err
		}
		answer := new(cacheAnswer)
		if err := answer.UnmarshalJSON(buf); err != nil {
			return nil, err
		}
		if now.After(answer.Expiry) {
			continue // skip_expired_on_load
		}
		items = append(items, &cacheItem{Key: keys[i], Answer: answer})
	}
	return items, nil
}

// loadSnapshotFile reads a snapshot previously written by writeSnapshotToFile.
func loadSnapshotFile(filename string) ([]*cacheItem, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readSnapshot(f)
}

// snapshotKey is the JSON-friendly representation of an lruKey, used only by
// the binary format's key sequence.
type snapshotKey struct {
	Name         string
	Qtype        uint16
	Qclass       uint16
	Net          string
	SourcePrefix uint8
	Do           bool
}

func marshalKey(k lruKey) ([]byte, error) {
	sk := snapshotKey{
		Name:         k.Question.Name,
		Qtype:        k.Question.Qtype,
		Qclass:       k.Question.Qclass,
		Net:          k.Net,
		SourcePrefix: k.SourcePrefix,
		Do:           k.Do,
	}
	return json.Marshal(sk)
}

func unmarshalKey(buf []byte) (lruKey, error) {
	var sk snapshotKey
	if err := json.Unmarshal(buf, &sk); err != nil {
		return lruKey{}, err
	}
	return lruKey{
		Question: dns.Question{
			Name:   sk.Name,
			Qtype:  sk.Qtype,
			Qclass: sk.Qclass,
		},
		Net:          sk.Net,
		SourcePrefix: sk.SourcePrefix,
		Do:           sk.Do,
	}, nil
}
