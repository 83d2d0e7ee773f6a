package storage

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// StreamID identifies a stream entry as <ms>-<seq>
type StreamID struct {
	Ms  uint64
	Seq uint64
}

// String renders the id in its wire form
func (id StreamID) String() string {
	return strconv.FormatUint(id.Ms, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// Compare orders ids by milliseconds, then sequence
func (id StreamID) Compare(other StreamID) int {
	switch {
	case id.Ms < other.Ms:
		return -1
	case id.Ms > other.Ms:
		return 1
	case id.Seq < other.Seq:
		return -1
	case id.Seq > other.Seq:
		return 1
	}
	return 0
}

// decimal is the id read as the number <ms>.<seq>
func (id StreamID) decimal() float64 {
	f, _ := strconv.ParseFloat(strconv.FormatUint(id.Ms, 10)+"."+strconv.FormatUint(id.Seq, 10), 64)
	return f
}

var xaddIDPattern = regexp.MustCompile(`^\d+-(\d+|\*)$|^\*$`)

// ParseStreamID parses a fully specified <ms>-<seq> id
func ParseStreamID(s string) (StreamID, error) {
	ms, seq, ok := strings.Cut(s, "-")
	if !ok {
		return StreamID{}, fmt.Errorf("%w: %q", ErrInvalidStreamID, s)
	}
	m, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("%w: %q", ErrInvalidStreamID, s)
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("%w: %q", ErrInvalidStreamID, s)
	}
	return StreamID{Ms: m, Seq: n}, nil
}

// GenerateEntryID resolves an XADD id request against the stream's last id.
// requested is "*", "<ms>-*" or "<ms>-<seq>"; prev is nil for an empty stream.
func GenerateEntryID(requested string, prev *StreamID, now time.Time) (StreamID, error) {
	if !xaddIDPattern.MatchString(requested) {
		return StreamID{}, ErrInvalidStreamID
	}

	auto := requested == "*"
	if auto {
		requested = strconv.FormatInt(now.UnixMilli(), 10) + "-*"
	}

	msPart, seqPart, _ := strings.Cut(requested, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return StreamID{}, ErrInvalidStreamID
	}

	// a clock that went backwards must not break auto ids
	if auto && prev != nil && ms < prev.Ms {
		ms = prev.Ms
	}

	wildcard := seqPart == "*"
	var seq uint64
	if !wildcard {
		seq, err = strconv.ParseUint(seqPart, 10, 64)
		if err != nil {
			return StreamID{}, ErrInvalidStreamID
		}
		if ms == 0 && seq == 0 {
			return StreamID{}, ErrInvalidStreamID
		}
	}

	if prev == nil {
		if wildcard {
			if ms == 0 {
				seq = 1
			} else {
				seq = 0
			}
		}
		return StreamID{Ms: ms, Seq: seq}, nil
	}

	switch {
	case ms < prev.Ms:
		return StreamID{}, ErrStreamIDNotMonotonic
	case ms == prev.Ms:
		if wildcard {
			if prev.Seq == math.MaxUint64 {
				return StreamID{}, ErrStreamIDNotMonotonic
			}
			return StreamID{Ms: ms, Seq: prev.Seq + 1}, nil
		}
		if seq <= prev.Seq {
			return StreamID{}, ErrStreamIDNotMonotonic
		}
	default:
		if wildcard {
			seq = 0
		}
	}
	return StreamID{Ms: ms, Seq: seq}, nil
}

// IDOrdering selects how range queries compare entry ids
type IDOrdering int

const (
	// OrderingDecimal compares ids as the decimal number <ms>.<seq>, so
	// sequence 10 sorts before sequence 2. Compatible with existing clients.
	OrderingDecimal IDOrdering = iota

	// OrderingNumeric compares milliseconds, then sequence, as integers
	OrderingNumeric
)

// String returns the ordering name as used in configuration
func (o IDOrdering) String() string {
	if o == OrderingNumeric {
		return "numeric"
	}
	return "decimal"
}

// ParseIDOrdering parses "decimal" or "numeric"
func ParseIDOrdering(s string) (IDOrdering, error) {
	switch strings.ToLower(s) {
	case "", "decimal":
		return OrderingDecimal, nil
	case "numeric":
		return OrderingNumeric, nil
	}
	return OrderingDecimal, fmt.Errorf("unknown stream id ordering %q", s)
}

// bound is one end of a range query, held in both orderings' terms
type bound struct {
	dec float64
	id  StreamID
}

func boundOf(id StreamID) bound {
	return bound{dec: id.decimal(), id: id}
}

// parseBound parses a range argument. "-" and "+" are the open ends; a bare
// millisecond value means the first (or, for upper, the last) id in it.
func parseBound(s string, upper bool) (bound, error) {
	switch s {
	case "-":
		return bound{dec: math.Inf(-1)}, nil
	case "+":
		return bound{dec: math.Inf(1), id: StreamID{Ms: math.MaxUint64, Seq: math.MaxUint64}}, nil
	}

	if !strings.Contains(s, "-") {
		ms, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return bound{}, fmt.Errorf("%w: %q", ErrInvalidStreamID, s)
		}
		b := bound{dec: float64(ms), id: StreamID{Ms: ms}}
		if upper {
			b.id.Seq = math.MaxUint64
		}
		return b, nil
	}

	id, err := ParseStreamID(s)
	if err != nil {
		return bound{}, err
	}
	return boundOf(id), nil
}

// compare places id relative to b under the ordering
func (o IDOrdering) compare(id StreamID, b bound) int {
	if o == OrderingNumeric {
		return id.Compare(b.id)
	}
	d := id.decimal()
	switch {
	case d < b.dec:
		return -1
	case d > b.dec:
		return 1
	}
	return 0
}

func (o IDOrdering) ordered(lo, hi bound) bool {
	if o == OrderingNumeric {
		return lo.id.Compare(hi.id) <= 0
	}
	return lo.dec <= hi.dec
}

// entriesBetween returns entries with lo <= id <= hi, in stream order
func (o IDOrdering) entriesBetween(entries []StreamEntry, lo, hi bound) []StreamEntry {
	var out []StreamEntry
	for _, e := range entries {
		if o.compare(e.ID, lo) >= 0 && o.compare(e.ID, hi) <= 0 {
			out = append(out, e)
		}
	}
	return out
}

// entriesAfter returns entries with id strictly greater than start
func (o IDOrdering) entriesAfter(entries []StreamEntry, start bound) []StreamEntry {
	var out []StreamEntry
	for _, e := range entries {
		if o.compare(e.ID, start) > 0 {
			out = append(out, e)
		}
	}
	return out
}

// StreamQuery asks for the entries of Key after After. After may be "$".
type StreamQuery struct {
	Key   string
	After string
}

// StreamResult holds the new entries of one stream
type StreamResult struct {
	Key     string
	Entries []StreamEntry
}

// XAdd appends an entry to the stream at key, creating it if needed, and
// returns the id it was stored under. An existing expiry is preserved.
func (s *Memory) XAdd(key, id string, fields []string) (StreamID, error) {
	if len(fields) == 0 || len(fields)%2 != 0 {
		return StreamID{}, fmt.Errorf("stream fields must be name/value pairs")
	}

	sh := s.shardFor(key)
	sh.mu.Lock()

	value, exists := sh.data[key]
	if exists && value.IsExpired(s.now()) {
		delete(sh.data, key)
		exists = false
	}

	var stream *StreamValue
	if exists {
		sv, ok := value.Data.(*StreamValue)
		if value.Type != ValueTypeStream || !ok {
			sh.mu.Unlock()
			return StreamID{}, ErrWrongType
		}
		stream = sv
	} else {
		stream = &StreamValue{}
		value = &Value{Type: ValueTypeStream, Data: stream}
	}

	var prev *StreamID
	if last, ok := stream.Last(); ok {
		prev = &last
	}

	newID, err := GenerateEntryID(id, prev, s.now())
	if err != nil {
		sh.mu.Unlock()
		return StreamID{}, err
	}

	stream.Entries = append(stream.Entries, StreamEntry{
		ID:     newID,
		Fields: append([]string(nil), fields...),
	})
	sh.data[key] = value
	sh.mu.Unlock()

	s.notifySet(key)
	s.waiters.notify(key)
	return newID, nil
}

// XRange returns the entries of key whose ids fall within [start, end]
func (s *Memory) XRange(key, start, end string) ([]StreamEntry, error) {
	lo, err := parseBound(start, false)
	if err != nil {
		return nil, err
	}
	hi, err := parseBound(end, true)
	if err != nil {
		return nil, err
	}
	if !s.ordering.ordered(lo, hi) {
		return nil, ErrInvalidRange
	}

	entries, err := s.streamEntries(key)
	if err != nil {
		return nil, err
	}
	return s.ordering.entriesBetween(entries, lo, hi), nil
}

// StreamLastID returns the newest id of the stream at key
func (s *Memory) StreamLastID(key string) (StreamID, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	value, ok := sh.data[key]
	if !ok || value.IsExpired(s.now()) {
		return StreamID{}, false
	}
	stream, ok := value.Data.(*StreamValue)
	if !ok {
		return StreamID{}, false
	}
	return stream.Last()
}

// XRead returns, per query, the entries added after the query's start id.
// "$" is resolved to the stream's current last id before any waiting. When
// blocking is set and nothing is available, XRead waits for an append to one
// of the keys, for block to elapse (zero waits forever) or for ctx to end.
// A timeout yields a nil result and no error.
func (s *Memory) XRead(ctx context.Context, queries []StreamQuery, block time.Duration, blocking bool) ([]StreamResult, error) {
	starts := make([]bound, len(queries))
	keys := make([]string, len(queries))
	for i, q := range queries {
		keys[i] = q.Key
		if q.After == "$" {
			last, _ := s.StreamLastID(q.Key)
			starts[i] = boundOf(last)
			continue
		}
		b, err := parseBound(q.After, false)
		if err != nil {
			return nil, err
		}
		starts[i] = b
	}

	if !blocking {
		return s.collect(queries, starts)
	}

	var timeout <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		// watch before checking so an append in between is not lost
		ch, cancel := s.waiters.watch(keys)
		results, err := s.collect(queries, starts)
		if err != nil || len(results) > 0 {
			cancel()
			return results, err
		}

		select {
		case <-ch:
			cancel()
		case <-timeout:
			cancel()
			return nil, nil
		case <-ctx.Done():
			cancel()
			return nil, ctx.Err()
		}
	}
}

func (s *Memory) collect(queries []StreamQuery, starts []bound) ([]StreamResult, error) {
	var results []StreamResult
	for i, q := range queries {
		entries, err := s.streamEntries(q.Key)
		if err != nil {
			if err == ErrNoSuchKey {
				continue
			}
			return nil, err
		}
		if found := s.ordering.entriesAfter(entries, starts[i]); len(found) > 0 {
			results = append(results, StreamResult{Key: q.Key, Entries: found})
		}
	}
	return results, nil
}

// streamEntries snapshots the entries of the stream at key
func (s *Memory) streamEntries(key string) ([]StreamEntry, error) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	value, ok := sh.data[key]
	if !ok {
		sh.mu.RUnlock()
		return nil, ErrNoSuchKey
	}
	if value.IsExpired(s.now()) {
		sh.mu.RUnlock()
		s.deleteExpiredKey(key)
		return nil, ErrNoSuchKey
	}
	stream, ok := value.Data.(*StreamValue)
	if value.Type != ValueTypeStream || !ok {
		sh.mu.RUnlock()
		return nil, ErrWrongType
	}
	// entries are append-only; the slice header is a stable snapshot
	entries := stream.Entries[:len(stream.Entries):len(stream.Entries)]
	sh.mu.RUnlock()
	return entries, nil
}
