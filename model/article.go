package model

import "time"

// GroupInfo describes the article range a news server reports for one group.
type GroupInfo struct {
	Name  string
	Count int64
	First int64
	Last  int64
}

// ArticleInfo is the cheap metadata-only view of an article (STAT response).
type ArticleInfo struct {
	Seq       int64
	MessageID string
}

// Article is a fully fetched message from the remote stream.
type Article struct {
	Seq       int64
	MessageID string
	Date      time.Time
	Sender    string
	Subject   string
	Raw       []byte
}

// Info returns the metadata-only view of the article.
func (a Article) Info() ArticleInfo {
	return ArticleInfo{Seq: a.Seq, MessageID: a.MessageID}
}

// IndexEntry is the tuple persisted in the dedup index, one per archived message.
type IndexEntry struct {
	MessageID string
	Date      time.Time
	Sender    string
	Subject   string
}

// Entry returns the index tuple for the article.
func (a Article) Entry() IndexEntry {
	return IndexEntry{
		MessageID: a.MessageID,
		Date:      a.Date,
		Sender:    a.Sender,
		Subject:   a.Subject,
	}
}
