package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"cipher.share/config"
	"cipher.share/internal/crypto"
	"cipher.share/internal/models"
	"cipher.share/internal/store"
)

const DefaultAuthor = "Anonymous"

type CreatePostInput struct {
	Title    string
	Content  string
	Author   string
	AuthorID string
	TTL      time.Duration
}

type CommentInput struct {
	Content  string
	Author   string
	AuthorID string
	TTL      time.Duration
}

// Posts is the community board. Authorship fields are free-text labels;
// nothing here authenticates them.
type Posts struct {
	posts store.PostStore
	cfg   config.PostsConfig
}

func NewPosts(posts store.PostStore, cfg config.PostsConfig) *Posts {
	return &Posts{posts: posts, cfg: cfg}
}

func (p *Posts) Create(ctx context.Context, in CreatePostInput) (*models.Post, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, invalid("content", "content is required")
	}
	if utf8.RuneCountInString(content) > p.cfg.MaxContentLength {
		return nil, invalid("content", "content must be at most %d characters", p.cfg.MaxContentLength)
	}
	title := strings.TrimSpace(in.Title)
	if utf8.RuneCountInString(title) > p.cfg.MaxTitleLength {
		return nil, invalid("title", "title must be at most %d characters", p.cfg.MaxTitleLength)
	}
	author, err := p.author(in.Author)
	if err != nil {
		return nil, err
	}
	ttl, err := boundTTL(in.TTL, p.cfg.DefaultTTL, p.cfg.MaxTTL)
	if err != nil {
		return nil, err
	}

	post := &models.Post{
		ID:       crypto.GenerateID(),
		Title:    title,
		Content:  content,
		Author:   author,
		AuthorID: orGenerated(in.AuthorID),
		TTL:      ttl,
	}
	if err := p.posts.CreatePost(ctx, post); err != nil {
		return nil, err
	}
	return post, nil
}

func (p *Posts) List(ctx context.Context) ([]models.Post, error) {
	return p.posts.ListPosts(ctx)
}

func (p *Posts) Get(ctx context.Context, id string) (*models.Post, error) {
	return p.posts.GetPost(ctx, id)
}

func (p *Posts) Like(ctx context.Context, id string) (int, error) {
	return p.posts.LikePost(ctx, id)
}

func (p *Posts) Comment(ctx context.Context, postID string, in CommentInput) (*models.Post, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, invalid("content", "content is required")
	}
	if utf8.RuneCountInString(content) > p.cfg.MaxCommentLength {
		return nil, invalid("content", "comment must be at most %d characters", p.cfg.MaxCommentLength)
	}
	author, err := p.author(in.Author)
	if err != nil {
		return nil, err
	}
	ttl, err := boundTTL(in.TTL, p.cfg.DefaultTTL, p.cfg.MaxTTL)
	if err != nil {
		return nil, err
	}

	return p.posts.AddComment(ctx, postID, models.Comment{
		ID:       crypto.GenerateID(),
		Author:   author,
		AuthorID: orGenerated(in.AuthorID),
		Content:  content,
		TTL:      ttl,
	})
}

// DeleteComment addresses the comment by its position among live
// comments; every later comment shifts down by one.
func (p *Posts) DeleteComment(ctx context.Context, postID string, index int) error {
	if index < 0 {
		return invalid("index", "comment index must not be negative")
	}
	return p.posts.DeleteComment(ctx, postID, index)
}

func (p *Posts) DeleteCommentByID(ctx context.Context, postID, commentID string) error {
	return p.posts.DeleteCommentByID(ctx, postID, commentID)
}

func (p *Posts) Delete(ctx context.Context, id string) error {
	return p.posts.DeletePost(ctx, id)
}

func (p *Posts) author(author string) (string, error) {
	author = orDefault(author, DefaultAuthor)
	if utf8.RuneCountInString(author) > p.cfg.MaxAuthorLength {
		return "", invalid("author", "author must be at most %d characters", p.cfg.MaxAuthorLength)
	}
	return author, nil
}

func orGenerated(id string) string {
	if id = strings.TrimSpace(id); id == "" {
		return crypto.GenerateID()
	}
	return id
}
