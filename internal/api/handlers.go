package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"cipher.share/internal/crypto"
	"cipher.share/internal/models"
	"cipher.share/internal/service"
	"cipher.share/internal/sharelink"
	"cipher.share/internal/store"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// SecretService is the encode/decode lifecycle the handlers drive.
type SecretService interface {
	Encode(ctx context.Context, in service.EncodeInput) (service.EncodeResult, error)
	Decode(ctx context.Context, in service.DecodeInput) (service.DecodeResult, error)
	Retract(ctx context.Context, token string) error
}

type PostService interface {
	Create(ctx context.Context, in service.CreatePostInput) (*models.Post, error)
	List(ctx context.Context) ([]models.Post, error)
	Like(ctx context.Context, id string) (int, error)
	Comment(ctx context.Context, postID string, in service.CommentInput) (*models.Post, error)
	DeleteComment(ctx context.Context, postID string, index int) error
	DeleteCommentByID(ctx context.Context, postID, commentID string) error
	Delete(ctx context.Context, id string) error
}

const (
	msgFileNotFound = "file not found or expired"
	msgPostNotFound = "post not found"
	msgCommentGone  = "comment not found"

	// maxJSONBody bounds every request except encode.
	maxJSONBody = 1 << 20
)

type Handler struct {
	secrets       SecretService
	posts         PostService
	log           *zap.Logger
	maxEncodeBody int64
}

// NewHandler sizes the encode body limit so that maxUpload bytes still fit
// once base64-encoded inside the JSON envelope.
func NewHandler(secrets SecretService, posts PostService, maxUpload int64, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		secrets:       secrets,
		posts:         posts,
		log:           log,
		maxEncodeBody: int64(base64.StdEncoding.EncodedLen(int(maxUpload))) + 64<<10,
	}
}

type EncodeRequest struct {
	FileData  string `json:"file_data"`
	FileName  string `json:"file_name"`
	FileType  string `json:"file_type"`
	Password  string `json:"password"`
	Reads     *int   `json:"reads"`
	TTL       int64  `json:"ttl"`
	Algorithm string `json:"algorithm"`
}

type EncodeResponse struct {
	FileID    string    `json:"file_id"`
	ShareLink string    `json:"share_link"`
	ExpiresAt time.Time `json:"expires_at"`
}

type DecodeRequest struct {
	FileID    string `json:"file_id"`
	Password  string `json:"password"`
	Algorithm string `json:"algorithm"`
}

type DecodeResponse struct {
	DecryptedData  string `json:"decrypted_data"`
	FileName       string `json:"file_name"`
	FileType       string `json:"file_type"`
	RemainingReads int    `json:"remaining_reads"`
}

type CreatePostRequest struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	Author   string `json:"author"`
	AuthorID string `json:"author_id"`
	TTL      int64  `json:"ttl"`
}

type CommentRequest struct {
	Content  string `json:"content"`
	Author   string `json:"author"`
	AuthorID string `json:"author_id"`
	TTL      int64  `json:"ttl"`
}

type LikeResponse struct {
	Likes int `json:"likes"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Encode(w http.ResponseWriter, r *http.Request) {
	var req EncodeRequest
	if !h.decodeBody(w, r, h.maxEncodeBody, &req) {
		return
	}

	data, err := decodeBase64(req.FileData)
	if err != nil {
		h.error(w, http.StatusBadRequest, "file_data must be base64")
		return
	}

	res, err := h.secrets.Encode(r.Context(), service.EncodeInput{
		Data:      data,
		Filename:  req.FileName,
		MimeType:  req.FileType,
		Password:  req.Password,
		Algorithm: req.Algorithm,
		Reads:     req.Reads,
		TTL:       seconds(req.TTL),
	})
	if err != nil {
		h.handleError(w, r, err, msgFileNotFound)
		return
	}

	h.json(w, http.StatusCreated, EncodeResponse{
		FileID:    res.Token,
		ShareLink: res.ShareLink,
		ExpiresAt: res.ExpiresAt,
	})
}

func (h *Handler) Decode(w http.ResponseWriter, r *http.Request) {
	var req DecodeRequest
	if !h.decodeBody(w, r, maxJSONBody, &req) {
		return
	}

	res, err := h.secrets.Decode(r.Context(), service.DecodeInput{
		Token:     req.FileID,
		Password:  req.Password,
		Algorithm: req.Algorithm,
	})
	if err != nil {
		h.handleError(w, r, err, msgFileNotFound)
		return
	}

	h.json(w, http.StatusOK, DecodeResponse{
		DecryptedData:  base64.StdEncoding.EncodeToString(res.Data),
		FileName:       res.Filename,
		FileType:       res.MimeType,
		RemainingReads: res.RemainingReads,
	})
}

func (h *Handler) RetractObject(w http.ResponseWriter, r *http.Request) {
	if err := h.secrets.Retract(r.Context(), chi.URLParam(r, "fileID")); err != nil {
		h.handleError(w, r, err, msgFileNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListPosts(w http.ResponseWriter, r *http.Request) {
	posts, err := h.posts.List(r.Context())
	if err != nil {
		h.handleError(w, r, err, msgPostNotFound)
		return
	}
	h.json(w, http.StatusOK, posts)
}

func (h *Handler) CreatePost(w http.ResponseWriter, r *http.Request) {
	var req CreatePostRequest
	if !h.decodeBody(w, r, maxJSONBody, &req) {
		return
	}

	post, err := h.posts.Create(r.Context(), service.CreatePostInput{
		Title:    req.Title,
		Content:  req.Content,
		Author:   req.Author,
		AuthorID: req.AuthorID,
		TTL:      seconds(req.TTL),
	})
	if err != nil {
		h.handleError(w, r, err, msgPostNotFound)
		return
	}
	h.json(w, http.StatusCreated, post)
}

func (h *Handler) DeletePost(w http.ResponseWriter, r *http.Request) {
	if err := h.posts.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.handleError(w, r, err, msgPostNotFound)
		return
	}
	h.json(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) LikePost(w http.ResponseWriter, r *http.Request) {
	likes, err := h.posts.Like(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err, msgPostNotFound)
		return
	}
	h.json(w, http.StatusOK, LikeResponse{Likes: likes})
}

func (h *Handler) AddComment(w http.ResponseWriter, r *http.Request) {
	var req CommentRequest
	if !h.decodeBody(w, r, maxJSONBody, &req) {
		return
	}

	post, err := h.posts.Comment(r.Context(), chi.URLParam(r, "id"), service.CommentInput{
		Content:  req.Content,
		Author:   req.Author,
		AuthorID: req.AuthorID,
		TTL:      seconds(req.TTL),
	})
	if err != nil {
		h.handleError(w, r, err, msgPostNotFound)
		return
	}
	h.json(w, http.StatusCreated, post)
}

func (h *Handler) DeleteComment(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		h.error(w, http.StatusBadRequest, "invalid comment index")
		return
	}
	if err := h.posts.DeleteComment(r.Context(), chi.URLParam(r, "id"), index); err != nil {
		h.handleError(w, r, err, msgCommentGone)
		return
	}
	h.json(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) DeleteCommentByID(w http.ResponseWriter, r *http.Request) {
	err := h.posts.DeleteCommentByID(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "commentID"))
	if err != nil {
		h.handleError(w, r, err, msgCommentGone)
		return
	}
	h.json(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Redirect sends a bare share token to the decode view, keeping the token
// in the fragment so it never reaches a server log on the next hop.
func (h *Handler) Redirect(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "compositeKey")
	if _, err := sharelink.DecodeKey(key); err != nil {
		h.error(w, http.StatusNotFound, "not found")
		return
	}
	http.Redirect(w, r, "/decode#"+key, http.StatusFound)
}

// decodeBody reports whether req was filled; on false the response has
// already been written.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, limit int64, req any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		h.error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (h *Handler) json(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) error(w http.ResponseWriter, status int, message string) {
	h.json(w, status, ErrorResponse{Error: message})
}

// handleError maps every failure class to one uniform response. Details of
// unexpected errors are logged, never returned.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve):
		h.error(w, http.StatusBadRequest, ve.Message)
	case errors.Is(err, sharelink.ErrMalformedToken):
		h.error(w, http.StatusBadRequest, "invalid file id")
	case errors.Is(err, store.ErrNotFound):
		h.error(w, http.StatusNotFound, notFound)
	case errors.Is(err, crypto.ErrAuthentication):
		h.error(w, http.StatusForbidden, "decryption failed")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.error(w, http.StatusServiceUnavailable, "request timed out")
	default:
		h.log.Error("request failed",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		h.error(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBase64 accepts padded and unpadded standard base64.
func decodeBase64(s string) ([]byte, error) {
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// seconds saturates instead of wrapping, so absurd values still fail the
// ttl bounds check.
func seconds(n int64) time.Duration {
	if n > math.MaxInt64/int64(time.Second) {
		return math.MaxInt64
	}
	if n < math.MinInt64/int64(time.Second) {
		return math.MinInt64
	}
	return time.Duration(n) * time.Second
}
