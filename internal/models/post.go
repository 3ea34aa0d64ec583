package models

import (
	"encoding/json"
	"time"
)

// Post is a community message. Likes only ever grow.
type Post struct {
	ID        string        `json:"_id"`
	Title     string        `json:"title"`
	Content   string        `json:"content"`
	Author    string        `json:"author"`
	AuthorID  string        `json:"author_id"`
	Likes     int           `json:"likes"`
	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"-"`
	Comments  []Comment     `json:"comments"`
}

// Comment expires on its own clock, independent of the parent post.
type Comment struct {
	ID        string        `json:"id"`
	Author    string        `json:"author"`
	AuthorID  string        `json:"author_id"`
	Content   string        `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
	TTL       time.Duration `json:"-"`
}

func (p *Post) Alive(now time.Time) bool {
	return !now.After(p.CreatedAt.Add(p.TTL))
}

func (c *Comment) Alive(now time.Time) bool {
	return !now.After(c.Timestamp.Add(c.TTL))
}

// LiveComments returns the comments still alive at now, in insertion order.
func (p *Post) LiveComments(now time.Time) []Comment {
	live := make([]Comment, 0, len(p.Comments))
	for _, c := range p.Comments {
		if c.Alive(now) {
			live = append(live, c)
		}
	}
	return live
}

// PruneComments drops expired comments in place and reports how many went.
func (p *Post) PruneComments(now time.Time) int {
	live := p.LiveComments(now)
	removed := len(p.Comments) - len(live)
	p.Comments = live
	return removed
}

// The wire format carries ttl as whole seconds.

type postJSON struct {
	ID        string    `json:"_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Author    string    `json:"author"`
	AuthorID  string    `json:"author_id"`
	Likes     int       `json:"likes"`
	CreatedAt time.Time `json:"created_at"`
	TTL       int64     `json:"ttl"`
	Comments  []Comment `json:"comments"`
}

func (p Post) MarshalJSON() ([]byte, error) {
	comments := p.Comments
	if comments == nil {
		comments = []Comment{}
	}
	return json.Marshal(postJSON{
		ID:        p.ID,
		Title:     p.Title,
		Content:   p.Content,
		Author:    p.Author,
		AuthorID:  p.AuthorID,
		Likes:     p.Likes,
		CreatedAt: p.CreatedAt,
		TTL:       int64(p.TTL / time.Second),
		Comments:  comments,
	})
}

func (p *Post) UnmarshalJSON(data []byte) error {
	var v postJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = Post{
		ID:        v.ID,
		Title:     v.Title,
		Content:   v.Content,
		Author:    v.Author,
		AuthorID:  v.AuthorID,
		Likes:     v.Likes,
		CreatedAt: v.CreatedAt,
		TTL:       time.Duration(v.TTL) * time.Second,
		Comments:  v.Comments,
	}
	return nil
}

type commentJSON struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	TTL       int64     `json:"ttl"`
}

func (c Comment) MarshalJSON() ([]byte, error) {
	return json.Marshal(commentJSON{
		ID:        c.ID,
		Author:    c.Author,
		AuthorID:  c.AuthorID,
		Content:   c.Content,
		Timestamp: c.Timestamp,
		TTL:       int64(c.TTL / time.Second),
	})
}

func (c *Comment) UnmarshalJSON(data []byte) error {
	var v commentJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*c = Comment{
		ID:        v.ID,
		Author:    v.Author,
		AuthorID:  v.AuthorID,
		Content:   v.Content,
		Timestamp: v.Timestamp,
		TTL:       time.Duration(v.TTL) * time.Second,
	}
	return nil
}
