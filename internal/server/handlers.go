package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/anatolykoptev/xgate/internal/upstream"
)

// untilParam reads the ?until item bound, falling back to def.
func untilParam(r *http.Request, def int) int {
	v := r.URL.Query().Get("until")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func (s *Server) handleTweet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	useAccount := r.URL.Query().Get("use_account") == "true"

	fetchedWith := "guest"
	if useAccount {
		fetchedWith = "account"
	}
	metadata := map[string]string{"tweetId": id, "fetchedWith": fetchedWith}

	tweet, err := s.client.Tweet(r.Context(), id, useAccount)
	if err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "tweet not found", "metadata": metadata})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tweet": tweet, "metadata": metadata})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	if !strings.HasPrefix(handle, "@") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "handle must start with @"})
		return
	}
	profile, err := s.client.Profile(r.Context(), handle)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profile": profile})
}

func (s *Server) handleTweetsAndReplies(w http.ResponseWriter, r *http.Request) {
	userID, err := s.client.ResolveUser(r.Context(), r.PathValue("user"))
	if err != nil {
		writeError(w, err)
		return
	}
	tweets, err := s.client.TweetsAndReplies(r.Context(), userID, untilParam(r, 40))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tweets": tweets})
}

func (s *Server) handleFollowing(w http.ResponseWriter, r *http.Request) {
	s.handleUserList(w, r, s.client.Following)
}

func (s *Server) handleFollowers(w http.ResponseWriter, r *http.Request) {
	s.handleUserList(w, r, s.client.Followers)
}

func (s *Server) handleUserList(w http.ResponseWriter, r *http.Request, list func(ctx context.Context, userID string, maxItems int) ([]upstream.Profile, error)) {
	userID, err := s.client.ResolveUser(r.Context(), r.PathValue("user"))
	if err != nil {
		writeError(w, err)
		return
	}
	profiles, err := list(r.Context(), userID, untilParam(r, 40))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": profiles})
}

func (s *Server) handleSearchPeople(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.client.SearchPeople(r.Context(), r.PathValue("query"), untilParam(r, 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": profiles})
}

func (s *Server) handleSearchTweets(w http.ResponseWriter, r *http.Request) {
	mode := upstream.SearchMode(r.URL.Query().Get("mode"))
	switch mode {
	case upstream.SearchTop, upstream.SearchLatest, upstream.SearchPhotos, upstream.SearchVideos:
	case "":
		mode = upstream.SearchTop
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid search mode"})
		return
	}
	tweets, err := s.client.SearchTweets(r.Context(), r.PathValue("query"), mode, untilParam(r, 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tweets": tweets})
}

func (s *Server) handleCommunityMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.client.CommunityMembers(r.Context(), r.PathValue("id"), untilParam(r, 40))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

// handleAllTweets deep-scans a user's tweet history. With Accept:
// application/jsonl the tweets stream out one object per line as they arrive;
// otherwise they are buffered into a single JSON document.
func (s *Server) handleAllTweets(w http.ResponseWriter, r *http.Request) {
	screenName, err := s.resolveScreenName(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "application/jsonl") {
		w.Header().Set("Content-Type", "application/jsonl")
		flusher, _ := w.(http.Flusher)
		enc := json.NewEncoder(w)
		err := s.client.AllTweets(r.Context(), screenName, func(t upstream.Tweet) error {
			if err := enc.Encode(t); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
			return nil
		})
		if err != nil {
			// Headers are gone; the truncated stream is the error signal.
			return
		}
		return
	}

	var tweets []upstream.Tweet
	err = s.client.AllTweets(r.Context(), screenName, func(t upstream.Tweet) error {
		tweets = append(tweets, t)
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if tweets == nil {
		tweets = []upstream.Tweet{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tweets": tweets})
}

// resolveScreenName turns the path's id-or-handle into a bare screen name,
// looking the profile up when only a numeric id was given.
func (s *Server) resolveScreenName(r *http.Request) (string, error) {
	user := r.PathValue("user")
	if strings.HasPrefix(user, "@") {
		return strings.TrimPrefix(user, "@"), nil
	}
	profile, err := s.client.Profile(r.Context(), user)
	if err != nil {
		return "", err
	}
	return profile.ScreenName, nil
}
