package upstream

import "encoding/json"

// Tweet is an upstream tweet object. The payload is passed through verbatim;
// only the id is lifted out for dedupe and deep-scan stepping.
type Tweet struct {
	ID  string
	Raw json.RawMessage
}

func (t Tweet) MarshalJSON() ([]byte, error) { return t.Raw, nil }

// Profile is an upstream user object, passed through verbatim like Tweet.
type Profile struct {
	ID         string
	ScreenName string
	Raw        json.RawMessage
}

func (p Profile) MarshalJSON() ([]byte, error) { return p.Raw, nil }

// SearchMode selects the search result tab.
type SearchMode string

const (
	SearchTop    SearchMode = "Top"
	SearchLatest SearchMode = "Latest"
	SearchPhotos SearchMode = "Photos"
	SearchVideos SearchMode = "Videos"
	SearchUsers  SearchMode = "Users"
)
