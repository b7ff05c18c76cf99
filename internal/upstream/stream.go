package upstream

import "context"

// perPageCap is forwarded to the upstream on every listing request; the
// stream aggregates across pages to reach larger item counts.
const perPageCap = 50

// FetchPage retrieves one page for the given cursor ("" for the first page)
// and returns the items plus the next cursor ("" when exhausted).
type FetchPage[T any] func(ctx context.Context, cursor string) ([]T, string, error)

// Stream pulls a bounded, deduplicated sequence of items from a
// cursor-paginated upstream listing. It is single-consumer; to restart a
// listing, build a new Stream.
type Stream[T any] struct {
	fetch    FetchPage[T]
	id       func(T) string
	maxItems int

	cursor  string
	seen    map[string]bool
	buf     []T
	emitted int
	done    bool
}

// NewStream builds a driver over fetch. id extracts a stable identity for
// dedupe. maxItems bounds the yield count and must be at least 1.
func NewStream[T any](fetch FetchPage[T], id func(T) string, maxItems int) *Stream[T] {
	if maxItems < 1 {
		maxItems = 1
	}
	return &Stream[T]{
		fetch:    fetch,
		id:       id,
		maxItems: maxItems,
		seen:     make(map[string]bool),
	}
}

// Next returns the next item in upstream page order. ok is false once the
// bound is reached or the cursor chain ends.
func (s *Stream[T]) Next(ctx context.Context) (item T, ok bool, err error) {
	var zero T
	for {
		if s.emitted >= s.maxItems {
			return zero, false, nil
		}
		if len(s.buf) > 0 {
			item = s.buf[0]
			s.buf = s.buf[1:]
			s.emitted++
			return item, true, nil
		}
		if s.done {
			return zero, false, nil
		}
		if err := ctx.Err(); err != nil {
			return zero, false, err
		}

		items, next, err := s.fetch(ctx, s.cursor)
		if err != nil {
			return zero, false, err
		}
		fresh := 0
		for _, it := range items {
			key := s.id(it)
			if s.seen[key] {
				continue
			}
			s.seen[key] = true
			s.buf = append(s.buf, it)
			fresh++
		}
		// A missing or stagnant cursor means the chain is exhausted. An
		// all-duplicate page is treated the same to avoid spinning.
		if next == "" || next == s.cursor || fresh == 0 {
			s.done = true
		}
		s.cursor = next
	}
}

// Collect drains the stream into a slice. The result is never nil so it
// serializes as [] rather than null.
func (s *Stream[T]) Collect(ctx context.Context) ([]T, error) {
	out := make([]T, 0, s.maxItems)
	for {
		item, ok, err := s.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, item)
	}
}
