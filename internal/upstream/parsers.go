package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// parseProfile parses a UserByScreenName / UserByRestId response. The user
// payload is kept verbatim; only rest_id and screen_name are lifted.
func parseProfile(body []byte) (*Profile, error) {
	var raw struct {
		Data struct {
			User struct {
				Result json.RawMessage `json:"result"`
			} `json:"user"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ParseError{Op: "user lookup", Err: err}
	}
	if len(raw.Errors) > 0 {
		if strings.Contains(raw.Errors[0].Message, "User not found") {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("upstream error: %s", raw.Errors[0].Message)
	}
	return profileFromResult(raw.Data.User.Result)
}

// parseTweet parses a TweetResultByRestId response. A null result means the
// tweet does not exist or is not visible.
func parseTweet(body []byte) (*Tweet, error) {
	var raw struct {
		Data struct {
			TweetResult struct {
				Result json.RawMessage `json:"result"`
			} `json:"tweetResult"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ParseError{Op: "tweet lookup", Err: err}
	}
	if len(raw.Errors) > 0 {
		return nil, fmt.Errorf("upstream error: %s", raw.Errors[0].Message)
	}
	return tweetFromResult(raw.Data.TweetResult.Result)
}

// parseTweetTimeline parses a UserTweetsAndReplies response into tweets plus
// the bottom cursor.
func parseTweetTimeline(body []byte) ([]Tweet, string, error) {
	var raw struct {
		Data struct {
			User struct {
				Result struct {
					Timeline struct {
						Timeline timelineObj `json:"timeline"`
					} `json:"timeline"`
					TimelineV2 struct {
						Timeline timelineObj `json:"timeline"`
					} `json:"timeline_v2"`
				} `json:"result"`
			} `json:"user"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, "", &ParseError{Op: "tweet timeline", Err: err}
	}
	tl := raw.Data.User.Result.Timeline.Timeline
	if len(tl.Instructions) == 0 {
		tl = raw.Data.User.Result.TimelineV2.Timeline
	}
	return extractTweets(tl)
}

// parseUserList parses a Followers/Following response.
func parseUserList(body []byte) ([]Profile, string, error) {
	var raw struct {
		Data struct {
			User struct {
				Result struct {
					Timeline struct {
						Timeline timelineObj `json:"timeline"`
					} `json:"timeline"`
				} `json:"result"`
			} `json:"user"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, "", &ParseError{Op: "user list", Err: err}
	}
	return extractProfiles(raw.Data.User.Result.Timeline.Timeline)
}

// parseSearchTweets parses a SearchTimeline response for tweet modes.
func parseSearchTweets(body []byte) ([]Tweet, string, error) {
	tl, err := searchTimeline(body)
	if err != nil {
		return nil, "", err
	}
	return extractTweets(tl)
}

// parseSearchPeople parses a SearchTimeline response for the Users mode.
func parseSearchPeople(body []byte) ([]Profile, string, error) {
	tl, err := searchTimeline(body)
	if err != nil {
		return nil, "", err
	}
	return extractProfiles(tl)
}

func searchTimeline(body []byte) (timelineObj, error) {
	var raw struct {
		Data struct {
			SearchByRawQuery struct {
				SearchTimeline struct {
					Timeline timelineObj `json:"timeline"`
				} `json:"search_timeline"`
			} `json:"search_by_raw_query"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return timelineObj{}, &ParseError{Op: "search timeline", Err: err}
	}
	return raw.Data.SearchByRawQuery.SearchTimeline.Timeline, nil
}

// parseCommunityMembers parses a membersSliceTimeline_Query response.
func parseCommunityMembers(body []byte) ([]Profile, string, error) {
	var raw struct {
		Data struct {
			CommunityResults struct {
				Result struct {
					MembersSlice struct {
						ItemsResults []struct {
							Result json.RawMessage `json:"result"`
						} `json:"items_results"`
						SliceInfo struct {
							NextCursor string `json:"next_cursor"`
						} `json:"slice_info"`
					} `json:"members_slice"`
				} `json:"result"`
			} `json:"communityResults"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, "", &ParseError{Op: "community members", Err: err}
	}
	slice := raw.Data.CommunityResults.Result.MembersSlice
	members := make([]Profile, 0, len(slice.ItemsResults))
	for _, item := range slice.ItemsResults {
		p, err := profileFromResult(item.Result)
		if err != nil {
			continue
		}
		members = append(members, *p)
	}
	return members, slice.SliceInfo.NextCursor, nil
}

// --- Timeline shape ---

type timelineObj struct {
	Instructions []timelineInstruction `json:"instructions"`
}

type timelineInstruction struct {
	Type    string          `json:"type"`
	Entries []timelineEntry `json:"entries"`
	Entry   *timelineEntry  `json:"entry"`
}

type timelineEntry struct {
	EntryID string          `json:"entryId"`
	Content timelineContent `json:"content"`
}

type timelineContent struct {
	EntryType   string          `json:"entryType"`
	TypeName    string          `json:"__typename"`
	ItemContent json.RawMessage `json:"itemContent"`
	Value       string          `json:"value"`
	CursorType  string          `json:"cursorType"`
}

// --- Extraction helpers ---

func timelineEntries(tl timelineObj) []timelineEntry {
	var entries []timelineEntry
	for _, instruction := range tl.Instructions {
		entries = append(entries, instruction.Entries...)
		if instruction.Entry != nil {
			entries = append(entries, *instruction.Entry)
		}
	}
	return entries
}

func isBottomCursor(e timelineEntry) bool {
	if e.Content.EntryType != "TimelineTimelineCursor" && e.Content.TypeName != "TimelineTimelineCursor" {
		return false
	}
	return e.Content.CursorType == "Bottom" || strings.Contains(e.EntryID, "cursor-bottom")
}

func extractTweets(tl timelineObj) ([]Tweet, string, error) {
	var tweets []Tweet
	var nextCursor string

	for _, entry := range timelineEntries(tl) {
		if isBottomCursor(entry) {
			nextCursor = entry.Content.Value
			continue
		}
		if entry.Content.ItemContent == nil {
			continue
		}
		var item struct {
			TypeName     string `json:"__typename"`
			TweetResults struct {
				Result json.RawMessage `json:"result"`
			} `json:"tweet_results"`
		}
		if err := json.Unmarshal(entry.Content.ItemContent, &item); err != nil {
			continue
		}
		if item.TypeName != "TimelineTweet" {
			continue
		}
		t, err := tweetFromResult(item.TweetResults.Result)
		if err != nil {
			continue
		}
		tweets = append(tweets, *t)
	}
	return tweets, nextCursor, nil
}

func extractProfiles(tl timelineObj) ([]Profile, string, error) {
	var profiles []Profile
	var nextCursor string

	for _, entry := range timelineEntries(tl) {
		if isBottomCursor(entry) {
			nextCursor = entry.Content.Value
			continue
		}
		if entry.Content.ItemContent == nil {
			continue
		}
		var item struct {
			TypeName    string `json:"__typename"`
			UserResults struct {
				Result json.RawMessage `json:"result"`
			} `json:"user_results"`
		}
		if err := json.Unmarshal(entry.Content.ItemContent, &item); err != nil {
			continue
		}
		if item.TypeName != "TimelineUser" {
			continue
		}
		p, err := profileFromResult(item.UserResults.Result)
		if err != nil {
			continue
		}
		profiles = append(profiles, *p)
	}
	return profiles, nextCursor, nil
}

func tweetFromResult(result json.RawMessage) (*Tweet, error) {
	if isNullish(result) {
		return nil, ErrNotFound
	}
	var meta struct {
		TypeName string `json:"__typename"`
		RestID   string `json:"rest_id"`
		Tweet    struct {
			RestID string `json:"rest_id"`
		} `json:"tweet"`
	}
	if err := json.Unmarshal(result, &meta); err != nil {
		return nil, &ParseError{Op: "tweet result", Err: err}
	}
	id := meta.RestID
	if meta.TypeName == "TweetWithVisibilityResults" && meta.Tweet.RestID != "" {
		id = meta.Tweet.RestID
	}
	if id == "" {
		return nil, ErrNotFound
	}
	return &Tweet{ID: id, Raw: result}, nil
}

func profileFromResult(result json.RawMessage) (*Profile, error) {
	if isNullish(result) {
		return nil, ErrNotFound
	}
	var meta struct {
		TypeName string `json:"__typename"`
		RestID   string `json:"rest_id"`
		Legacy   struct {
			ScreenName string `json:"screen_name"`
		} `json:"legacy"`
		Core struct {
			ScreenName string `json:"screen_name"`
		} `json:"core"`
	}
	if err := json.Unmarshal(result, &meta); err != nil {
		return nil, &ParseError{Op: "user result", Err: err}
	}
	if meta.TypeName == "UserUnavailable" {
		return nil, fmt.Errorf("user unavailable (suspended or restricted)")
	}
	if meta.RestID == "" {
		return nil, ErrNotFound
	}
	screenName := meta.Legacy.ScreenName
	if screenName == "" {
		screenName = meta.Core.ScreenName
	}
	return &Profile{ID: meta.RestID, ScreenName: screenName, Raw: result}, nil
}

func isNullish(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}"))
}
