package models

import "time"

// Object is an encrypted file held behind a share token until its TTL
// elapses or its read budget runs out.
type Object struct {
	ID             string        `json:"id"`
	Ciphertext     []byte        `json:"-"`
	Algorithm      string        `json:"algorithm"`
	Filename       string        `json:"file_name"`
	MimeType       string        `json:"file_type"`
	CreatedAt      time.Time     `json:"created_at"`
	TTL            time.Duration `json:"ttl"`
	MaxReads       int           `json:"max_reads"` // 0 = unlimited
	RemainingReads int           `json:"remaining_reads"`
}

func (o *Object) ExpiresAt() time.Time {
	return o.CreatedAt.Add(o.TTL)
}

func (o *Object) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt())
}

func (o *Object) Unlimited() bool {
	return o.MaxReads == 0
}

func (o *Object) Exhausted() bool {
	return !o.Unlimited() && o.RemainingReads <= 0
}

// Alive reports whether the object may still be served.
func (o *Object) Alive(now time.Time) bool {
	return !o.Expired(now) && !o.Exhausted()
}
