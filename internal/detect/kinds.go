package detect

import (
	"time"

	"github.com/rcliao/delta-backup/internal/model"
)

// CandidateExtractor reads fields from an already normalized candidate.
type CandidateExtractor struct{}

func (CandidateExtractor) Key(c model.Candidate) model.ItemKey   { return c.Key }
func (CandidateExtractor) Tag(c model.Candidate) model.ChangeTag { return c.Tag }
func (CandidateExtractor) Size(c model.Candidate) int64          { return c.Size }
func (CandidateExtractor) Modified(c model.Candidate) time.Time  { return c.LastModified }
func (CandidateExtractor) Path(c model.Candidate) string         { return c.Path }
func (CandidateExtractor) Kind() string                          { return "candidate" }

// NewCandidateDetector returns the detector the orchestrator uses.
func NewCandidateDetector() *Detector[model.Candidate] {
	return New[model.Candidate](CandidateExtractor{})
}

// DriveItem is file-like metadata from a document library listing.
type DriveItem struct {
	DriveID              string    `json:"drive_id"`
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	ParentPath           string    `json:"parent_path,omitempty"`
	Size                 int64     `json:"size"`
	ETag                 string    `json:"eTag,omitempty"`
	CTag                 string    `json:"cTag,omitempty"`
	LastModifiedDateTime time.Time `json:"lastModifiedDateTime"`
}

// DriveItemExtractor keys drive items by drive and item ID. The entity tag
// is preferred; the content tag is used when a listing omits it.
type DriveItemExtractor struct{}

func (DriveItemExtractor) Key(d DriveItem) model.ItemKey {
	return model.ItemKey{Scope: d.DriveID, ID: d.ID}
}

func (DriveItemExtractor) Tag(d DriveItem) model.ChangeTag {
	if d.ETag != "" {
		return model.Tag(d.ETag)
	}
	return model.Tag(d.CTag)
}

func (DriveItemExtractor) Size(d DriveItem) int64         { return d.Size }
func (DriveItemExtractor) Modified(d DriveItem) time.Time { return d.LastModifiedDateTime }

func (DriveItemExtractor) Path(d DriveItem) string {
	if d.ParentPath == "" {
		return d.Name
	}
	return d.ParentPath + "/" + d.Name
}

func (DriveItemExtractor) Kind() string { return "drive_item" }

// Message is mail-like metadata from a mailbox folder listing.
type Message struct {
	Mailbox              string    `json:"mailbox"`
	ID                   string    `json:"id"`
	ChangeKey            string    `json:"changeKey,omitempty"`
	Subject              string    `json:"subject,omitempty"`
	Folder               string    `json:"folder,omitempty"`
	Size                 int64     `json:"size"`
	LastModifiedDateTime time.Time `json:"lastModifiedDateTime"`
}

// MessageExtractor keys messages by mailbox and immutable message ID, with
// the change key as tag.
type MessageExtractor struct{}

func (MessageExtractor) Key(m Message) model.ItemKey {
	return model.ItemKey{Scope: m.Mailbox, ID: m.ID}
}

func (MessageExtractor) Tag(m Message) model.ChangeTag { return model.Tag(m.ChangeKey) }
func (MessageExtractor) Size(m Message) int64          { return m.Size }
func (MessageExtractor) Modified(m Message) time.Time  { return m.LastModifiedDateTime }

func (MessageExtractor) Path(m Message) string {
	if m.Folder == "" {
		return m.Subject
	}
	return m.Folder + "/" + m.Subject
}

func (MessageExtractor) Kind() string { return "message" }
