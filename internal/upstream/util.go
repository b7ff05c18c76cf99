package upstream

import (
	"log/slog"
	"net/url"
)

func truncateBytes(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// attachTransactionID adds the x-client-transaction-id header when a source
// is configured; requests proceed without it otherwise.
func attachTransactionID(src TransactionIDSource, h map[string]string, method, rawurl string) {
	if src == nil {
		return
	}
	path := rawurl
	if u, err := url.Parse(rawurl); err == nil {
		path = u.Path
	}
	id, err := src.GenerateID(method, path)
	if err != nil {
		slog.Debug("transaction id unavailable", slog.Any("error", err))
		return
	}
	if id != "" {
		h["x-client-transaction-id"] = id
	}
}
