package upstream

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	defaultListItems = 40

	// allTweetsPassCap bounds a single deep-scan pass; passes repeat with a
	// shrinking max_id boundary so the overall scan is unbounded.
	allTweetsPassCap = 1 << 20
)

// Client exposes the upstream read operations. Authenticated calls ride the
// rotator; single tweet lookups can fall back to the guest token path.
type Client struct {
	rot     *Rotator
	guest   *GuestAuth
	guestTr Transport
	tx      TransactionIDSource
}

// NewClient wires the adapters over the rotator and the guest auth holder.
func NewClient(rot *Rotator, guest *GuestAuth, guestTr Transport, tx TransactionIDSource) *Client {
	return &Client{rot: rot, guest: guest, guestTr: guestTr, tx: tx}
}

// ResolveUser turns an @handle or numeric id into a numeric user id.
func (c *Client) ResolveUser(ctx context.Context, idOrHandle string) (string, error) {
	if isAllDigits(idOrHandle) {
		return idOrHandle, nil
	}
	if !strings.HasPrefix(idOrHandle, "@") {
		return "", ErrInvalidHandle
	}
	p, err := c.Profile(ctx, idOrHandle)
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

// Profile fetches a user by @handle or numeric id.
func (c *Client) Profile(ctx context.Context, idOrHandle string) (*Profile, error) {
	var op string
	variables := map[string]any{}
	switch {
	case isAllDigits(idOrHandle):
		op = "UserByRestId"
		variables["userId"] = idOrHandle
	case strings.HasPrefix(idOrHandle, "@"):
		op = "UserByScreenName"
		variables["screen_name"] = strings.TrimPrefix(idOrHandle, "@")
	default:
		return nil, ErrInvalidHandle
	}
	ep := Endpoints[op]
	url := addGraphQLParams(ep.URL(), variables, ep.Features, map[string]any{"withAuxiliaryUserLabels": false})
	body, _, err := c.rot.Do(ctx, op, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	return parseProfile(body)
}

// Tweet fetches a single tweet by id. With useAccount false the request goes
// out on the guest token path instead of a pooled session.
func (c *Client) Tweet(ctx context.Context, id string, useAccount bool) (*Tweet, error) {
	if !isAllDigits(id) {
		return nil, ErrInvalidHandle
	}
	ep := Endpoints["TweetResultByRestId"]
	variables := map[string]any{
		"tweetId":                id,
		"withCommunity":          false,
		"includePromotedContent": false,
		"withVoice":              false,
	}
	url := addGraphQLParams(ep.URL(), variables, ep.Features)

	var body []byte
	var err error
	if useAccount && c.rot.IsLoggedIn() {
		body, _, err = c.rot.Do(ctx, "TweetResultByRestId", "GET", url, nil)
	} else {
		body, err = c.guestGet(ctx, url)
	}
	if err != nil {
		return nil, err
	}
	return parseTweet(body)
}

// TweetsAndReplies lists a user's timeline, newest first.
func (c *Client) TweetsAndReplies(ctx context.Context, userID string, maxItems int) ([]Tweet, error) {
	if maxItems < 1 {
		maxItems = defaultListItems
	}
	st := NewStream(c.userTimelinePage(userID), tweetID, maxItems)
	return st.Collect(ctx)
}

// Following lists the accounts a user follows.
func (c *Client) Following(ctx context.Context, userID string, maxItems int) ([]Profile, error) {
	return c.userList(ctx, "Following", userID, maxItems)
}

// Followers lists a user's followers.
func (c *Client) Followers(ctx context.Context, userID string, maxItems int) ([]Profile, error) {
	return c.userList(ctx, "Followers", userID, maxItems)
}

// SearchTweets runs a tweet search in the given mode.
func (c *Client) SearchTweets(ctx context.Context, query string, mode SearchMode, maxItems int) ([]Tweet, error) {
	if maxItems < 1 {
		maxItems = perPageCap
	}
	st := NewStream(c.searchTweetsPage(query, mode), tweetID, maxItems)
	return st.Collect(ctx)
}

// SearchPeople runs a people search.
func (c *Client) SearchPeople(ctx context.Context, query string, maxItems int) ([]Profile, error) {
	if maxItems < 1 {
		maxItems = perPageCap
	}
	st := NewStream(c.searchPeoplePage(query), profileID, maxItems)
	return st.Collect(ctx)
}

// CommunityMembers lists the members of a community.
func (c *Client) CommunityMembers(ctx context.Context, communityID string, maxItems int) ([]Profile, error) {
	if maxItems < 1 {
		maxItems = defaultListItems
	}
	ep := Endpoints["CommunityMembers"]
	fetch := func(ctx context.Context, cursor string) ([]Profile, string, error) {
		variables := map[string]any{"communityId": communityID}
		if cursor != "" {
			variables["cursor"] = cursor
		}
		url := addGraphQLParams(ep.URL(), variables, ep.Features)
		body, _, err := c.rot.Do(ctx, "CommunityMembers", "GET", url, nil)
		if err != nil {
			return nil, "", err
		}
		return parseCommunityMembers(body)
	}
	st := NewStream(fetch, profileID, maxItems)
	return st.Collect(ctx)
}

// AllTweets walks a user's full tweet history via repeated search passes with
// a decreasing max_id boundary, calling yield for each distinct tweet. The
// scan ends when a pass surfaces nothing new.
func (c *Client) AllTweets(ctx context.Context, screenName string, yield func(Tweet) error) error {
	screenName = strings.TrimPrefix(screenName, "@")
	seen := make(map[string]bool)
	query := "from:" + screenName

	for {
		var minID uint64 = math.MaxUint64
		fresh := 0

		st := NewStream(c.searchTweetsPage(query, SearchLatest), tweetID, allTweetsPassCap)
		for {
			t, ok, err := st.Next(ctx)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			if n, perr := strconv.ParseUint(t.ID, 10, 64); perr == nil && n < minID {
				minID = n
			}
			if seen[t.ID] {
				continue
			}
			seen[t.ID] = true
			fresh++
			if err := yield(t); err != nil {
				return err
			}
		}

		if fresh == 0 || minID == math.MaxUint64 || minID == 0 {
			return nil
		}
		query = fmt.Sprintf("from:%s max_id:%d", screenName, minID-1)
	}
}

// --- page fetchers ---

func (c *Client) userTimelinePage(userID string) FetchPage[Tweet] {
	ep := Endpoints["UserTweetsAndReplies"]
	return func(ctx context.Context, cursor string) ([]Tweet, string, error) {
		variables := map[string]any{
			"userId":                 userID,
			"count":                  perPageCap,
			"includePromotedContent": false,
			"withCommunity":          true,
			"withVoice":              false,
		}
		if cursor != "" {
			variables["cursor"] = cursor
		}
		url := addGraphQLParams(ep.URL(), variables, ep.Features)
		body, _, err := c.rot.Do(ctx, "UserTweetsAndReplies", "GET", url, nil)
		if err != nil {
			return nil, "", err
		}
		return parseTweetTimeline(body)
	}
}

func (c *Client) userList(ctx context.Context, op, userID string, maxItems int) ([]Profile, error) {
	if maxItems < 1 {
		maxItems = defaultListItems
	}
	ep := Endpoints[op]
	fetch := func(ctx context.Context, cursor string) ([]Profile, string, error) {
		variables := map[string]any{
			"userId":                 userID,
			"count":                  perPageCap,
			"includePromotedContent": false,
		}
		if cursor != "" {
			variables["cursor"] = cursor
		}
		url := addGraphQLParams(ep.URL(), variables, ep.Features)
		body, _, err := c.rot.Do(ctx, op, "GET", url, nil)
		if err != nil {
			return nil, "", err
		}
		return parseUserList(body)
	}
	st := NewStream(fetch, profileID, maxItems)
	return st.Collect(ctx)
}

func (c *Client) searchTweetsPage(query string, mode SearchMode) FetchPage[Tweet] {
	return func(ctx context.Context, cursor string) ([]Tweet, string, error) {
		body, err := c.searchCall(ctx, query, mode, cursor)
		if err != nil {
			return nil, "", err
		}
		return parseSearchTweets(body)
	}
}

func (c *Client) searchPeoplePage(query string) FetchPage[Profile] {
	return func(ctx context.Context, cursor string) ([]Profile, string, error) {
		body, err := c.searchCall(ctx, query, SearchUsers, cursor)
		if err != nil {
			return nil, "", err
		}
		return parseSearchPeople(body)
	}
}

func (c *Client) searchCall(ctx context.Context, query string, mode SearchMode, cursor string) ([]byte, error) {
	ep := Endpoints["SearchTimeline"]
	variables := map[string]any{
		"rawQuery":    query,
		"count":       perPageCap,
		"querySource": "typed_query",
		"product":     string(mode),
	}
	if cursor != "" {
		variables["cursor"] = cursor
	}
	url := addGraphQLParams(ep.URL(), variables, ep.Features)
	body, _, err := c.rot.Do(ctx, "SearchTimeline", "GET", url, nil)
	return body, err
}

// guestGet issues an unauthenticated GET carrying only the guest token.
func (c *Client) guestGet(ctx context.Context, url string) ([]byte, error) {
	token, err := c.guest.Token(ctx)
	if err != nil {
		return nil, err
	}
	headers := guestHeaders(token, nil)
	attachTransactionID(c.tx, headers, "GET", url)
	body, _, status, err := c.guestTr.Do(ctx, "GET", url, headers, nil)
	if err != nil {
		return nil, err
	}
	if status == 401 || status == 403 {
		c.guest.Invalidate()
		return nil, fmt.Errorf("guest request rejected: status %d", status)
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("guest request failed: status %d: %s", status, truncateBytes(body, 200))
	}
	return body, nil
}

func tweetID(t Tweet) string     { return t.ID }
func profileID(p Profile) string { return p.ID }

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
