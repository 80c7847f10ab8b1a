package booru

// ImageRecord is one image the bot has fetched (and possibly delivered).
// The delivery URL doubles as the record's identity for dedup purposes.
type ImageRecord struct {
	URL      string   `json:"url"`
	Author   string   `json:"author,omitempty"`
	Source   string   `json:"source,omitempty"`
	Tags     []string `json:"tags"`
	PostedAt string   `json:"posted_at"`
}

// searchResponse mirrors the subset of the search API payload we consume.
type searchResponse struct {
	Images []searchImage `json:"images"`
}

type searchImage struct {
	Representations map[string]string `json:"representations"`
	Uploader        string            `json:"uploader"`
	ViewURL         string            `json:"view_url"`
	Tags            []string          `json:"tags"`
}

// deliveryURL picks the preferred size variant for delivery.
// Candidates without any usable representation are skipped by the caller.
func (img searchImage) deliveryURL() string {
	for _, k := range []string{"large", "full", "medium"} {
		if u := img.Representations[k]; u != "" {
			return u
		}
	}
	return ""
}
