// Package archive stores transcripts of finished pairing sessions in an
// S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"oathboard/api/internal/store"
)

var ErrNotArchived = errors.New("session transcript not found")

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func (c Config) IsConfigured() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// Transcript is the archived form of a finished session.
type Transcript struct {
	Session    store.PairSession `json:"session"`
	Rounds     []store.Round     `json:"rounds"`
	Messages   []store.Message   `json:"messages"`
	ArchivedAt time.Time         `json:"archivedAt"`
}

type Archiver struct {
	client *minio.Client
	bucket string
	now    func() time.Time
	put    func(ctx context.Context, key string, body []byte) error
}

func New(cfg Config) (*Archiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	a := &Archiver{client: client, bucket: cfg.Bucket, now: time.Now}
	a.put = a.putObject
	return a, nil
}

// EnsureBucket creates the archive bucket when it does not exist yet.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	log.Printf("archive: created bucket %s", a.bucket)
	return nil
}

// Archive writes the transcript of session. Archiving the same session again
// overwrites the earlier object.
func (a *Archiver) Archive(ctx context.Context, session store.PairSession, rounds []store.Round, messages []store.Message) error {
	body, err := json.Marshal(Transcript{
		Session:    session,
		Rounds:     nonNilRounds(rounds),
		Messages:   nonNilMessages(messages),
		ArchivedAt: a.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	if err := a.put(ctx, ObjectKey(session.ID), body); err != nil {
		return fmt.Errorf("archive session %s: %w", session.ID, err)
	}
	return nil
}

// Fetch reads back an archived transcript.
func (a *Archiver) Fetch(ctx context.Context, sessionID string) (Transcript, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, ObjectKey(sessionID), minio.GetObjectOptions{})
	if err != nil {
		return Transcript{}, fmt.Errorf("get transcript: %w", err)
	}
	defer obj.Close()

	raw, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return Transcript{}, ErrNotArchived
		}
		return Transcript{}, fmt.Errorf("read transcript: %w", err)
	}
	var out Transcript
	if err := json.Unmarshal(raw, &out); err != nil {
		return Transcript{}, fmt.Errorf("decode transcript: %w", err)
	}
	return out, nil
}

func (a *Archiver) putObject(ctx context.Context, key string, body []byte) error {
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	return err
}

// ObjectKey is the object name of a session transcript.
func ObjectKey(sessionID string) string {
	return "sessions/" + strings.ToLower(sessionID) + ".json"
}

func nonNilRounds(r []store.Round) []store.Round {
	if r == nil {
		return []store.Round{}
	}
	return r
}

func nonNilMessages(m []store.Message) []store.Message {
	if m == nil {
		return []store.Message{}
	}
	return m
}
