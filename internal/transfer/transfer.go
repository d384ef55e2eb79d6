package transfer

// Status is the lifecycle state of a download item.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Terminal reports whether the status is a terminal state. Terminal items
// never transition again except for an explicit restart of a failed item.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Active reports whether the status belongs in the active view used by the
// scheduler (queued, transferring, or resumable).
func (s Status) Active() bool {
	return s == StatusPending || s == StatusDownloading || s == StatusPaused
}

// Variant distinguishes alternate renditions of the same episode or chapter,
// e.g. a dubbed audio track.
type Variant string

const (
	VariantPrimary   Variant = "primary"
	VariantAlternate Variant = "alternate"
)

// ContentKey identifies the logical content a download item carries. At most
// one non-terminal item may exist per key.
type ContentKey struct {
	ContentID        string
	EpisodeOrChapter string
	Variant          Variant
}

// DownloadItem is the durable record of a single download. It is the unit
// persisted by the store and the only shape observed by the control surface.
type DownloadItem struct {
	ID               string  `json:"id"`
	ContentID        string  `json:"contentId"`
	EpisodeOrChapter string  `json:"episodeOrChapter"`
	Variant          Variant `json:"variant"`

	Title        string `json:"title"`
	SourceURL    string `json:"sourceUrl"`
	ThumbnailURL string `json:"thumbnailUrl"`

	LocalFilePath string  `json:"localFilePath"`
	Progress      float64 `json:"progress"`
	Status        Status  `json:"status"`
	SizeBytes     int64   `json:"sizeBytes"`

	// DateAdded is a millisecond epoch timestamp. It orders the FIFO queue
	// and the persisted collection.
	DateAdded int64 `json:"dateAdded"`

	// ResumeToken is only meaningful while Status is paused. Any token on a
	// downloading or terminal item is stale and must not be trusted.
	ResumeToken string `json:"resumeToken,omitempty"`

	// IsInGallery is true once the cache copy has been reclaimed after a
	// gallery write; the bytes then live in the device gallery only.
	IsInGallery bool `json:"isInGallery"`
}

// Key returns the content identity of the item.
func (i *DownloadItem) Key() ContentKey {
	return ContentKey{
		ContentID:        i.ContentID,
		EpisodeOrChapter: i.EpisodeOrChapter,
		Variant:          i.Variant,
	}
}

// CacheResident reports whether the item's bytes occupy local cache storage.
// Only these items count toward storage accounting.
func (i *DownloadItem) CacheResident() bool {
	return i.Status == StatusCompleted && !i.IsInGallery
}
