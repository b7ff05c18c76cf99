package upstream

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func searchBodyWithIDs(ids ...string) []byte {
	entries := make([]string, 0, len(ids))
	for i, id := range ids {
		entries = append(entries, fmt.Sprintf(
			`{"entryId":"tweet-%d","content":{"entryType":"TimelineTimelineItem","itemContent":{"__typename":"TimelineTweet","tweet_results":{"result":{"rest_id":%q}}}}}`,
			i+1, id))
	}
	return []byte(fmt.Sprintf(
		`{"data":{"search_by_raw_query":{"search_timeline":{"timeline":{"instructions":[{"type":"TimelineAddEntries","entries":[%s]}]}}}}}`,
		strings.Join(entries, ",")))
}

func TestAllTweetsMaxIDStepping(t *testing.T) {
	store := newTestStore(t, "alice")

	var mu sync.Mutex
	var queries []string
	est := &stubEstablisher{transports: map[string]Transport{
		"alice": transportFunc(func(ctx context.Context, method, rawurl string, h map[string]string, body io.Reader) ([]byte, map[string]string, int, error) {
			decoded, err := url.QueryUnescape(rawurl)
			if err != nil {
				decoded = rawurl
			}
			mu.Lock()
			queries = append(queries, decoded)
			mu.Unlock()
			if strings.Contains(decoded, "max_id:") {
				// Deeper pass surfaces only an already-seen tweet.
				return searchBodyWithIDs("800"), nil, 200, nil
			}
			return searchBodyWithIDs("900", "800"), nil, 200, nil
		}),
	}}

	pool := warmPool(t, store, est, 1, 1)
	rot := NewRotator(pool, nil)
	tr := est.transports["alice"]
	client := NewClient(rot, NewGuestAuth(tr, time.Second), tr, nil)

	var got []string
	err := client.AllTweets(context.Background(), "@alice", func(tw Tweet) error {
		got = append(got, tw.ID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"900", "800"}, got, "duplicates from deeper passes are not re-yielded")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, queries, 2)
	require.Contains(t, queries[0], `"rawQuery":"from:alice"`)
	require.Contains(t, queries[1], "from:alice max_id:799", "next pass steps below the smallest seen id")
}

func TestAllTweetsYieldErrorStops(t *testing.T) {
	store := newTestStore(t, "alice")
	est := &stubEstablisher{transports: map[string]Transport{
		"alice": transportFunc(func(ctx context.Context, method, rawurl string, h map[string]string, body io.Reader) ([]byte, map[string]string, int, error) {
			return searchBodyWithIDs("900", "800"), nil, 200, nil
		}),
	}}

	pool := warmPool(t, store, est, 1, 1)
	client := NewClient(NewRotator(pool, nil), NewGuestAuth(est.transports["alice"], time.Second), est.transports["alice"], nil)

	wantErr := fmt.Errorf("sink full")
	var got int
	err := client.AllTweets(context.Background(), "alice", func(Tweet) error {
		got++
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
	require.Equal(t, 1, got)
}
